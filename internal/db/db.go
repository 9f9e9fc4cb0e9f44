// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for KeyFleet.
// It abstracts the underlying database (e.g., SQLite, PostgreSQL) behind a
// consistent interface, allowing the rest of the application to interact with
// the database in a uniform way.
package db // import "github.com/toeirei/keyfleet/internal/db"

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	// SQL drivers required for integration tests and runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	store Store
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// InitDB initializes the database connection based on the provided type and DSN.
// It sets the global `store` variable to the appropriate database implementation
// and runs any pending database migrations.
func InitDB(dbType, dsn string) error {
	s, err := NewStoreFromDSN(dbType, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	store = s
	return nil
}

// IsInitialized reports whether the package-level store has been set.
func IsInitialized() bool {
	return store != nil
}

// NewStoreFromDSN opens a sql.DB for the given DSN, runs migrations, and
// returns a Store backed by a long-lived *bun.DB. This hides *sql.DB usage
// from higher-level callers.
func NewStoreFromDSN(dbType, dsn string) (Store, error) {
	driverName := dbType
	// The pgx stdlib registers driver name "pgx"; map "postgres" to that driver.
	if dbType == "postgres" {
		driverName = "pgx"
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Conservative pool defaults for small deployments; overridable via
	// environment for CI or production tuning.
	const (
		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 25
		defaultConnMaxLifetime = 5 * time.Minute
	)

	maxOpen := defaultMaxOpenConns
	if v := os.Getenv("KEYFLEET_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxOpen = n
		}
	}
	maxIdle := defaultMaxIdleConns
	if v := os.Getenv("KEYFLEET_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxIdle = n
		}
	}

	// For in-memory SQLite databases, force a single open connection.
	// Per-connection in-memory databases make schema changes invisible
	// across connections, and shared-cache memory databases return
	// SQLITE_LOCKED under concurrent writers. Tests rely on these DSNs.
	if dbType == "sqlite" && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		maxOpen = 1
		maxIdle = 1
	}
	connMax := defaultConnMaxLifetime
	if v := os.Getenv("KEYFLEET_DB_CONN_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connMax = time.Duration(n) * time.Second
		}
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMax)

	connIdle := 60 // seconds
	if v := os.Getenv("KEYFLEET_DB_CONN_MAX_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connIdle = n
		}
	}
	sqlDB.SetConnMaxIdleTime(time.Duration(connIdle) * time.Second)

	openDur := time.Since(start)
	dbLogf("db: opened %s driver in %s (conn max open=%d, idle=%ds, maxLifetime=%s)", driverName, openDur, maxOpen, connIdle, connMax)

	migStart := time.Now()
	if err := RunMigrations(sqlDB, dbType); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	dbLogf("db: migrations for %s completed in %s", dbType, time.Since(migStart))

	switch dbType {
	case "sqlite", "postgres", "mysql":
		return &BunStore{bun: createBunDB(sqlDB, dbType)}, nil
	default:
		return nil, fmt.Errorf("unsupported database type for store creation: '%s'", dbType)
	}
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dbType.
// Centralizing construction makes it easier to apply consistent options
// and to test Bun initialization in one place.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies the necessary database migrations for a given database connection.
func RunMigrations(db *sql.DB, dbType string) error {
	start := time.Now()
	dbLogf("db: starting migrations for %s", dbType)
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No migrations embedded for this DB type.
			dbLogf("db: applied migrations for %s in %s", dbType, time.Since(start))
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	// Collect .up.sql files and sort them
	var ups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups = append(ups, name)
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		// Check if already applied.
		var exists int
		query := "SELECT 1 FROM schema_migrations WHERE version = ?"
		if dbType == "postgres" {
			query = "SELECT 1 FROM schema_migrations WHERE version = $1"
		}
		err := db.QueryRow(query, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		p := path.Join(migrationsPath, fname)
		data, err := embeddedMigrations.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}

		insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
		if dbType == "postgres" {
			insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
		}
		if _, err := tx.Exec(insertQuery, version, time.Now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
	}

	return nil
}

// ensureSchemaMigrationsTable creates schema_migrations if missing.
func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	// MySQL does not permit TEXT columns to be indexed without a length,
	// so use a VARCHAR with a safe length there. Other engines can use TEXT.
	if dbType == "mysql" {
		_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP)`)
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`)
	return err
}

// RunDBMaintenance performs engine-specific maintenance tasks for the given
// database DSN. For SQLite this runs PRAGMA optimize, VACUUM and a WAL
// checkpoint; for Postgres VACUUM ANALYZE; for MySQL OPTIMIZE TABLE.
func RunDBMaintenance(dbType, dsn string) error {
	driverName := dbType
	if dbType == "postgres" {
		driverName = "pgx"
	}
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch dbType {
	case "sqlite":
		// PRAGMA optimize may not be supported in some environments; treat
		// optimize errors as non-fatal.
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
			dbLogf("db: sqlite optimize failed (ignored): %v", err)
		}
		if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
		var res string
		if row := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;"); row != nil {
			_ = row.Scan(&res)
			if res != "ok" {
				return fmt.Errorf("sqlite integrity_check failed: %s", res)
			}
		}
	case "postgres":
		if _, err := sqlDB.ExecContext(ctx, "VACUUM ANALYZE;"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case "mysql":
		rows, err := sqlDB.QueryContext(ctx, "SHOW TABLES")
		if err != nil {
			return fmt.Errorf("mysql show tables failed: %w", err)
		}
		defer func() { _ = rows.Close() }()
		var table string
		var lastErr error
		for rows.Next() {
			if err := rows.Scan(&table); err != nil {
				return fmt.Errorf("mysql read table name failed: %w", err)
			}
			if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s", table)); err != nil {
				dbLogf("db: mysql optimize table %s failed: %v", table, err)
				lastErr = err
			}
		}
		if lastErr != nil {
			return fmt.Errorf("mysql optimize encountered errors: %w", lastErr)
		}
	default:
		return fmt.Errorf("unsupported db type for maintenance: %s", dbType)
	}
	return nil
}

// --- Package-level facade over the active store ---

// AddHost registers a managed host.
func AddHost(hostname, address, osFamily string) (int, error) {
	return store.AddHost(hostname, address, osFamily)
}

// GetHost retrieves a managed host by ID.
func GetHost(id int) (*model.ManagedHost, error) { return store.GetHost(id) }

// GetHostByHostname retrieves a managed host by hostname.
func GetHostByHostname(hostname string) (*model.ManagedHost, error) {
	return store.GetHostByHostname(hostname)
}

// GetAllHosts retrieves all managed hosts.
func GetAllHosts() ([]model.ManagedHost, error) { return store.GetAllHosts() }

// TouchHostLastSeen records successful applier contact with a host.
func TouchHostLastSeen(id int, at time.Time) error { return store.TouchHostLastSeen(id, at) }

// AddUser registers a portal user.
func AddUser(username string) (int, error) { return store.AddUser(username) }

// GetUser retrieves a user by ID.
func GetUser(id int) (*model.User, error) { return store.GetUser(id) }

// GetUserByUsername retrieves a user by username. Returns (nil, nil) when absent.
func GetUserByUsername(username string) (*model.User, error) {
	return store.GetUserByUsername(username)
}

// AddSSHKey registers a public key.
func AddSSHKey(key model.SSHKey) (int, error) { return store.AddSSHKey(key) }

// ListActiveKeysForUser returns the user's deployable keys.
func ListActiveKeysForUser(userID int, now time.Time) ([]model.SSHKey, error) {
	return store.ListActiveKeysForUser(userID, now)
}

// MarkKeysRevokedByFingerprint revokes all keys matching a fingerprint.
func MarkKeysRevokedByFingerprint(fingerprint string) ([]model.SSHKey, error) {
	return store.MarkKeysRevokedByFingerprint(fingerprint)
}

// UpdateKeysLastApplied stamps keys as deployed at the given time.
func UpdateKeysLastApplied(keyIDs []int, at time.Time) error {
	return store.UpdateKeysLastApplied(keyIDs, at)
}

// AddMapping creates a user/host account mapping.
func AddMapping(userID, hostID int, remoteUsername string) (int, error) {
	return store.AddMapping(userID, hostID, remoteUsername)
}

// GetMapping retrieves a mapping by ID.
func GetMapping(id int) (*model.UserHostAccount, error) { return store.GetMapping(id) }

// ListActiveMappings returns active mappings, optionally for one host.
func ListActiveMappings(hostID int) ([]model.UserHostAccount, error) {
	return store.ListActiveMappings(hostID)
}

// ListActiveMappingsForUser returns a user's active mappings.
func ListActiveMappingsForUser(userID int) ([]model.UserHostAccount, error) {
	return store.ListActiveMappingsForUser(userID)
}

// SetMappingStatus flips a mapping between active and disabled.
func SetMappingStatus(id int, status string) error { return store.SetMappingStatus(id, status) }

// UpsertQueuedItem enqueues reconciliation work, coalescing per mapping.
func UpsertQueuedItem(mappingID, priority int, scheduledAt time.Time) (string, error) {
	return store.UpsertQueuedItem(mappingID, priority, scheduledAt)
}

// DequeueNextItem atomically claims the next eligible queue item.
func DequeueNextItem(now time.Time) (*model.ApplyQueueItem, error) {
	return store.DequeueNextItem(now)
}

// RequeueExpiredLeases returns crashed workers' items to the queue.
func RequeueExpiredLeases(now time.Time, lease time.Duration) (int, error) {
	return store.RequeueExpiredLeases(now, lease)
}

// MarkItemCompleted finishes a running queue item successfully.
func MarkItemCompleted(id string, at time.Time) error { return store.MarkItemCompleted(id, at) }

// MarkItemFailed finishes a running queue item with a terminal failure.
func MarkItemFailed(id string, at time.Time, errMsg string) error {
	return store.MarkItemFailed(id, at, errMsg)
}

// MarkItemCancelled finishes a running queue item as cancelled.
func MarkItemCancelled(id string, at time.Time, reason string) error {
	return store.MarkItemCancelled(id, at, reason)
}

// CancelQueuedItem cancels an item that has not started yet.
func CancelQueuedItem(id string, at time.Time, reason string) (bool, error) {
	return store.CancelQueuedItem(id, at, reason)
}

// RescheduleItem returns a running item to queued for a later retry.
func RescheduleItem(id string, retryCount int, at time.Time, errMsg string) error {
	return store.RescheduleItem(id, retryCount, at, errMsg)
}

// CountQueueByStatus returns queue depth per status.
func CountQueueByStatus() (map[string]int, error) { return store.CountQueueByStatus() }

// PruneFinishedItems deletes terminal queue items older than the cutoff.
func PruneFinishedItems(olderThan time.Time) (int, error) {
	return store.PruneFinishedItems(olderThan)
}

// RecordDeployment appends a ledger entry, assigning ID and generation.
func RecordDeployment(d *model.Deployment) error { return store.RecordDeployment(d) }

// LastSuccessfulDeployment returns the checksum baseline entry for a mapping.
func LastSuccessfulDeployment(mappingID int) (*model.Deployment, error) {
	return store.LastSuccessfulDeployment(mappingID)
}

// ListDeploymentsForHost returns a host's ledger entries, newest first.
func ListDeploymentsForHost(hostID, limit int) ([]model.Deployment, error) {
	return store.ListDeploymentsForHost(hostID, limit)
}

// ListDeploymentsForMapping returns a mapping's ledger entries, newest first.
func ListDeploymentsForMapping(mappingID, limit int) ([]model.Deployment, error) {
	return store.ListDeploymentsForMapping(mappingID, limit)
}

// GetKnownHostKey retrieves the trusted public key for a given hostname.
func GetKnownHostKey(hostname string) (string, error) { return store.GetKnownHostKey(hostname) }

// AddKnownHostKey adds a new trusted host key to the database.
func AddKnownHostKey(hostname, key string) error { return store.AddKnownHostKey(hostname, key) }

// ExportDataForBackup retrieves all engine state for a backup.
func ExportDataForBackup() (*model.BackupData, error) { return store.ExportDataForBackup() }

// ImportDataFromBackup restores engine state from a backup.
func ImportDataFromBackup(backup *model.BackupData) error {
	return store.ImportDataFromBackup(backup)
}
