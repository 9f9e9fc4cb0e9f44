// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// HostModel maps the `managed_hosts` table for Bun queries.
type HostModel struct {
	bun.BaseModel `bun:"table:managed_hosts"`
	ID            int          `bun:"id,pk,autoincrement"`
	Hostname      string       `bun:"hostname"`
	Address       string       `bun:"address"`
	OSFamily      string       `bun:"os_family"`
	LastSeenAt    sql.NullTime `bun:"last_seen_at"`
	CreatedAt     time.Time    `bun:"created_at,nullzero"`
}

// UserModel maps the `users` table.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            int    `bun:"id,pk,autoincrement"`
	Username      string `bun:"username"`
	Status        string `bun:"status"`
}

// SSHKeyModel maps the `ssh_keys` table.
type SSHKeyModel struct {
	bun.BaseModel `bun:"table:ssh_keys"`
	ID            int            `bun:"id,pk,autoincrement"`
	UserID        int            `bun:"user_id"`
	PublicKey     string         `bun:"public_key"`
	Algorithm     string         `bun:"algorithm"`
	BitLength     int            `bun:"bit_length"`
	Comment       sql.NullString `bun:"comment"`
	Fingerprint   string         `bun:"fingerprint_sha256"`
	Options       sql.NullString `bun:"options"`
	Status        string         `bun:"status"`
	ExpiresAt     sql.NullTime   `bun:"expires_at"`
	LastAppliedAt sql.NullTime   `bun:"last_applied_at"`
	CreatedAt     time.Time      `bun:"created_at,nullzero"`
}

// MappingModel maps the `user_host_accounts` table.
type MappingModel struct {
	bun.BaseModel  `bun:"table:user_host_accounts"`
	ID             int       `bun:"id,pk,autoincrement"`
	UserID         int       `bun:"user_id"`
	HostID         int       `bun:"host_id"`
	RemoteUsername string    `bun:"remote_username"`
	Status         string    `bun:"status"`
	CreatedAt      time.Time `bun:"created_at,nullzero"`
}

// KnownHostModel maps known_hosts.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"key"`
}

// --- Mapping helpers (centralized conversions) ---

func hostModelToModel(h HostModel) model.ManagedHost {
	host := model.ManagedHost{
		ID:        h.ID,
		Hostname:  h.Hostname,
		Address:   h.Address,
		OSFamily:  h.OSFamily,
		CreatedAt: h.CreatedAt,
	}
	if h.LastSeenAt.Valid {
		t := h.LastSeenAt.Time
		host.LastSeenAt = &t
	}
	return host
}

func sshKeyModelToModel(k SSHKeyModel) model.SSHKey {
	key := model.SSHKey{
		ID:          k.ID,
		UserID:      k.UserID,
		PublicKey:   k.PublicKey,
		Algorithm:   k.Algorithm,
		BitLength:   k.BitLength,
		Fingerprint: k.Fingerprint,
		Status:      k.Status,
		CreatedAt:   k.CreatedAt,
	}
	if k.Comment.Valid {
		key.Comment = k.Comment.String
	}
	if k.Options.Valid {
		key.Options = k.Options.String
	}
	if k.ExpiresAt.Valid {
		t := k.ExpiresAt.Time
		key.ExpiresAt = &t
	}
	if k.LastAppliedAt.Valid {
		t := k.LastAppliedAt.Time
		key.LastAppliedAt = &t
	}
	return key
}

func mappingModelToModel(m MappingModel) model.UserHostAccount {
	return model.UserHostAccount{
		ID:             m.ID,
		UserID:         m.UserID,
		HostID:         m.HostID,
		RemoteUsername: m.RemoteUsername,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

// --- Host operations ---

// AddHostBun inserts a managed host and returns its ID.
func AddHostBun(bdb *bun.DB, hostname, address, osFamily string) (int, error) {
	ctx := context.Background()
	hm := &HostModel{Hostname: hostname, Address: address, OSFamily: osFamily, CreatedAt: time.Now().UTC()}
	if _, err := bdb.NewInsert().Model(hm).Column("hostname", "address", "os_family", "created_at").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return hm.ID, nil
}

// GetHostBun fetches one managed host by ID. Returns (nil, nil) when absent.
func GetHostBun(bdb *bun.DB, id int) (*model.ManagedHost, error) {
	ctx := context.Background()
	var hm HostModel
	err := bdb.NewSelect().Model(&hm).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h := hostModelToModel(hm)
	return &h, nil
}

// GetHostByHostnameBun fetches one managed host by hostname.
func GetHostByHostnameBun(bdb *bun.DB, hostname string) (*model.ManagedHost, error) {
	ctx := context.Background()
	var hm HostModel
	err := bdb.NewSelect().Model(&hm).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h := hostModelToModel(hm)
	return &h, nil
}

// GetAllHostsBun returns all managed hosts ordered by hostname.
func GetAllHostsBun(bdb *bun.DB) ([]model.ManagedHost, error) {
	ctx := context.Background()
	var hm []HostModel
	if err := bdb.NewSelect().Model(&hm).OrderExpr("hostname").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.ManagedHost, 0, len(hm))
	for _, h := range hm {
		out = append(out, hostModelToModel(h))
	}
	return out, nil
}

// TouchHostLastSeenBun records successful applier contact with a host.
func TouchHostLastSeenBun(bdb *bun.DB, id int, at time.Time) error {
	ctx := context.Background()
	_, err := ExecRaw(ctx, bdb, "UPDATE managed_hosts SET last_seen_at = ? WHERE id = ?", at.UTC(), id)
	return err
}

// --- User operations ---

// AddUserBun inserts a user row and returns its ID.
func AddUserBun(bdb *bun.DB, username string) (int, error) {
	ctx := context.Background()
	um := &UserModel{Username: username, Status: "active"}
	if _, err := bdb.NewInsert().Model(um).Column("username", "status").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return um.ID, nil
}

// GetUserBun fetches one user by ID. Returns (nil, nil) when absent.
func GetUserBun(bdb *bun.DB, id int) (*model.User, error) {
	ctx := context.Background()
	var um UserModel
	err := bdb.NewSelect().Model(&um).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &model.User{ID: um.ID, Username: um.Username, Status: um.Status}, nil
}

// --- SSH key operations ---

// GetUserByUsernameBun fetches one user by username. Returns (nil, nil) when absent.
func GetUserByUsernameBun(bdb *bun.DB, username string) (*model.User, error) {
	ctx := context.Background()
	var um UserModel
	err := bdb.NewSelect().Model(&um).Where("username = ?", username).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &model.User{ID: um.ID, Username: um.Username, Status: um.Status}, nil
}

// AddSSHKeyBun inserts a key row and returns its ID.
func AddSSHKeyBun(bdb *bun.DB, key model.SSHKey) (int, error) {
	ctx := context.Background()
	km := &SSHKeyModel{
		UserID:      key.UserID,
		PublicKey:   key.PublicKey,
		Algorithm:   key.Algorithm,
		BitLength:   key.BitLength,
		Comment:     sql.NullString{String: key.Comment, Valid: key.Comment != ""},
		Fingerprint: key.Fingerprint,
		Options:     sql.NullString{String: key.Options, Valid: key.Options != ""},
		Status:      key.Status,
		CreatedAt:   time.Now().UTC(),
	}
	if key.ExpiresAt != nil {
		km.ExpiresAt = sql.NullTime{Time: key.ExpiresAt.UTC(), Valid: true}
	}
	cols := []string{"user_id", "public_key", "algorithm", "bit_length", "comment", "fingerprint_sha256", "options", "status", "expires_at", "created_at"}
	if _, err := bdb.NewInsert().Model(km).Column(cols...).Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return km.ID, nil
}

// ListActiveKeysForUserBun returns the user's keys that contribute to
// desired state: status active and expiry null or in the future.
func ListActiveKeysForUserBun(bdb *bun.DB, userID int, now time.Time) ([]model.SSHKey, error) {
	ctx := context.Background()
	var km []SSHKeyModel
	err := bdb.NewSelect().Model(&km).
		Where("user_id = ?", userID).
		Where("status = ?", model.KeyStatusActive).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		OrderExpr("fingerprint_sha256").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.SSHKey, 0, len(km))
	for _, k := range km {
		out = append(out, sshKeyModelToModel(k))
	}
	return out, nil
}

// MarkKeysRevokedByFingerprintBun transitions all keys matching the
// fingerprint to revoked and returns them (pre-transition owners are
// needed by the emergency fast path to fan out queue items).
func MarkKeysRevokedByFingerprintBun(bdb *bun.DB, fingerprint string) ([]model.SSHKey, error) {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var km []SSHKeyModel
	if err := tx.NewSelect().Model(&km).Where("fingerprint_sha256 = ?", fingerprint).Scan(ctx); err != nil {
		return nil, err
	}
	if len(km) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if _, err := ExecRaw(ctx, tx, "UPDATE ssh_keys SET status = ? WHERE fingerprint_sha256 = ?", model.KeyStatusRevoked, fingerprint); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]model.SSHKey, 0, len(km))
	for _, k := range km {
		m := sshKeyModelToModel(k)
		m.Status = model.KeyStatusRevoked
		out = append(out, m)
	}
	return out, nil
}

// UpdateKeysLastAppliedBun stamps the given keys as applied at the given time.
func UpdateKeysLastAppliedBun(bdb *bun.DB, keyIDs []int, at time.Time) error {
	if len(keyIDs) == 0 {
		return nil
	}
	ctx := context.Background()
	_, err := bdb.NewUpdate().Model((*SSHKeyModel)(nil)).
		Set("last_applied_at = ?", at.UTC()).
		Where("id IN (?)", bun.In(keyIDs)).
		Exec(ctx)
	return err
}

// --- Mapping operations ---

// AddMappingBun inserts a user/host account mapping and returns its ID.
func AddMappingBun(bdb *bun.DB, userID, hostID int, remoteUsername string) (int, error) {
	ctx := context.Background()
	mm := &MappingModel{
		UserID:         userID,
		HostID:         hostID,
		RemoteUsername: remoteUsername,
		Status:         model.MappingStatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := bdb.NewInsert().Model(mm).Column("user_id", "host_id", "remote_username", "status", "created_at").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return mm.ID, nil
}

// GetMappingBun fetches one mapping by ID. Returns (nil, nil) when absent.
func GetMappingBun(bdb *bun.DB, id int) (*model.UserHostAccount, error) {
	ctx := context.Background()
	var mm MappingModel
	err := bdb.NewSelect().Model(&mm).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := mappingModelToModel(mm)
	return &m, nil
}

// ListActiveMappingsBun returns active mappings, optionally restricted to
// one host (hostID 0 means all hosts).
func ListActiveMappingsBun(bdb *bun.DB, hostID int) ([]model.UserHostAccount, error) {
	ctx := context.Background()
	var mm []MappingModel
	q := bdb.NewSelect().Model(&mm).Where("status = ?", model.MappingStatusActive)
	if hostID != 0 {
		q = q.Where("host_id = ?", hostID)
	}
	if err := q.OrderExpr("host_id, remote_username").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.UserHostAccount, 0, len(mm))
	for _, m := range mm {
		out = append(out, mappingModelToModel(m))
	}
	return out, nil
}

// ListActiveMappingsForUserBun returns the user's active mappings.
func ListActiveMappingsForUserBun(bdb *bun.DB, userID int) ([]model.UserHostAccount, error) {
	ctx := context.Background()
	var mm []MappingModel
	err := bdb.NewSelect().Model(&mm).
		Where("user_id = ?", userID).
		Where("status = ?", model.MappingStatusActive).
		OrderExpr("host_id, remote_username").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.UserHostAccount, 0, len(mm))
	for _, m := range mm {
		out = append(out, mappingModelToModel(m))
	}
	return out, nil
}

// SetMappingStatusBun flips a mapping between active and disabled.
func SetMappingStatusBun(bdb *bun.DB, id int, status string) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb, "UPDATE user_host_accounts SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Known host operations ---

// GetKnownHostKeyBun returns the pinned key for a hostname, ErrNotFound if
// no key is pinned.
func GetKnownHostKeyBun(bdb *bun.DB, hostname string) (string, error) {
	ctx := context.Background()
	var khm KnownHostModel
	err := bdb.NewSelect().Model(&khm).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return khm.Key, nil
}

// AddKnownHostKeyBun pins a host key, replacing any previous entry.
func AddKnownHostKeyBun(bdb *bun.DB, hostname, key string) error {
	ctx := context.Background()
	if _, err := ExecRaw(ctx, bdb, "DELETE FROM known_hosts WHERE hostname = ?", hostname); err != nil {
		return err
	}
	_, err := bdb.NewInsert().Model(&KnownHostModel{Hostname: hostname, Key: key}).Exec(ctx)
	return MapDBError(err)
}
