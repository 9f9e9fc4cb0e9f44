// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	dsn := "file:test_" + t.Name() + "?mode=memory&cache=shared"
	if err := InitDB("sqlite", dsn); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	return dsn
}

// newTestMapping seeds a user, host and mapping and returns the mapping ID.
func newTestMapping(t *testing.T, username, hostname, remoteUser string) int {
	t.Helper()
	userID, err := AddUser(username)
	if err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	hostID, err := AddHost(hostname, hostname+".example.com:22", "linux")
	if err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}
	mappingID, err := AddMapping(userID, hostID, remoteUser)
	if err != nil {
		t.Fatalf("AddMapping failed: %v", err)
	}
	return mappingID
}

func TestInitDB_Migrations_Applied(t *testing.T) {
	dsn := newTestDB(t)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open sql.DB for inspection: %v", err)
	}
	defer func() { _ = sqlDB.Close() }()

	for _, table := range []string{"managed_hosts", "users", "ssh_keys", "user_host_accounts", "apply_queue", "deployments", "known_hosts"} {
		var name string
		err := sqlDB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s to exist after migrations: %v", table, err)
		}
	}
}

func TestInitDB_RerunIsIdempotent(t *testing.T) {
	dsn := newTestDB(t)
	if err := InitDB("sqlite", dsn); err != nil {
		t.Fatalf("second InitDB on same DSN failed: %v", err)
	}
}

func TestHost_AddAndTouch(t *testing.T) {
	_ = newTestDB(t)

	id, err := AddHost("web-01", "10.0.0.5:22", "linux")
	if err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}
	h, err := GetHost(id)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if h.Hostname != "web-01" || h.LastSeenAt != nil {
		t.Fatalf("unexpected host after add: %+v", h)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := TouchHostLastSeen(id, seen); err != nil {
		t.Fatalf("TouchHostLastSeen failed: %v", err)
	}
	h, err = GetHost(id)
	if err != nil {
		t.Fatalf("GetHost after touch failed: %v", err)
	}
	if h.LastSeenAt == nil || !h.LastSeenAt.Equal(seen) {
		t.Fatalf("expected last_seen_at %v, got %v", seen, h.LastSeenAt)
	}

	if _, err := AddHost("web-01", "10.0.0.6:22", "linux"); err == nil {
		t.Fatalf("expected duplicate hostname to fail")
	}
}

func TestSSHKeys_ActiveFiltering(t *testing.T) {
	_ = newTestDB(t)

	userID, err := AddUser("alice")
	if err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	mustAdd := func(k model.SSHKey) int {
		t.Helper()
		id, err := AddSSHKey(k)
		if err != nil {
			t.Fatalf("AddSSHKey failed: %v", err)
		}
		return id
	}

	activeID := mustAdd(model.SSHKey{UserID: userID, PublicKey: "AAAA1", Algorithm: "ssh-ed25519", Fingerprint: "fp-active", Status: model.KeyStatusActive})
	mustAdd(model.SSHKey{UserID: userID, PublicKey: "AAAA2", Algorithm: "ssh-ed25519", Fingerprint: "fp-revoked", Status: model.KeyStatusRevoked})
	mustAdd(model.SSHKey{UserID: userID, PublicKey: "AAAA3", Algorithm: "ssh-ed25519", Fingerprint: "fp-expired", Status: model.KeyStatusActive, ExpiresAt: &past})
	unexpiredID := mustAdd(model.SSHKey{UserID: userID, PublicKey: "AAAA4", Algorithm: "ssh-ed25519", Fingerprint: "fp-unexpired", Status: model.KeyStatusActive, ExpiresAt: &future})

	keys, err := ListActiveKeysForUser(userID, now)
	if err != nil {
		t.Fatalf("ListActiveKeysForUser failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 deployable keys, got %d: %+v", len(keys), keys)
	}
	got := map[int]bool{}
	for _, k := range keys {
		got[k.ID] = true
	}
	if !got[activeID] || !got[unexpiredID] {
		t.Fatalf("unexpected deployable set: %v", got)
	}
}

func TestMarkKeysRevokedByFingerprint(t *testing.T) {
	_ = newTestDB(t)

	aliceID, _ := AddUser("alice")
	bobID, _ := AddUser("bob")

	// Same key material registered by two users.
	for _, uid := range []int{aliceID, bobID} {
		if _, err := AddSSHKey(model.SSHKey{UserID: uid, PublicKey: "AAAAshared", Algorithm: "ssh-ed25519", Fingerprint: "fp-shared", Status: model.KeyStatusActive}); err != nil {
			t.Fatalf("AddSSHKey failed: %v", err)
		}
	}
	if _, err := AddSSHKey(model.SSHKey{UserID: aliceID, PublicKey: "AAAAother", Algorithm: "ssh-ed25519", Fingerprint: "fp-other", Status: model.KeyStatusActive}); err != nil {
		t.Fatalf("AddSSHKey failed: %v", err)
	}

	revoked, err := MarkKeysRevokedByFingerprint("fp-shared")
	if err != nil {
		t.Fatalf("MarkKeysRevokedByFingerprint failed: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked keys, got %d", len(revoked))
	}
	for _, k := range revoked {
		if k.Status != model.KeyStatusRevoked {
			t.Fatalf("returned key not marked revoked: %+v", k)
		}
	}

	// Revoking again finds nothing new.
	again, err := MarkKeysRevokedByFingerprint("fp-shared")
	if err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no keys on repeat revoke, got %d", len(again))
	}

	// The unrelated key is untouched.
	keys, err := ListActiveKeysForUser(aliceID, time.Now())
	if err != nil {
		t.Fatalf("ListActiveKeysForUser failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Fingerprint != "fp-other" {
		t.Fatalf("expected fp-other to survive revoke, got %+v", keys)
	}
}

func TestMappings_StatusAndListing(t *testing.T) {
	_ = newTestDB(t)

	mappingID := newTestMapping(t, "alice", "web-01", "deploy")
	m, err := GetMapping(mappingID)
	if err != nil {
		t.Fatalf("GetMapping failed: %v", err)
	}
	if m.Status != model.MappingStatusActive {
		t.Fatalf("expected new mapping active, got %s", m.Status)
	}

	all, err := ListActiveMappings(0)
	if err != nil {
		t.Fatalf("ListActiveMappings failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 active mapping, got %d", len(all))
	}

	if err := SetMappingStatus(mappingID, model.MappingStatusDisabled); err != nil {
		t.Fatalf("SetMappingStatus failed: %v", err)
	}
	all, err = ListActiveMappings(0)
	if err != nil {
		t.Fatalf("ListActiveMappings after disable failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("disabled mapping still listed as active")
	}
}

func TestKnownHosts_PinOnce(t *testing.T) {
	_ = newTestDB(t)

	if _, err := GetKnownHostKey("web-01"); err == nil {
		t.Fatalf("expected lookup of unknown host to fail")
	}
	if err := AddKnownHostKey("web-01", "ssh-ed25519 AAAAC3Nza..."); err != nil {
		t.Fatalf("AddKnownHostKey failed: %v", err)
	}
	key, err := GetKnownHostKey("web-01")
	if err != nil {
		t.Fatalf("GetKnownHostKey failed: %v", err)
	}
	if key != "ssh-ed25519 AAAAC3Nza..." {
		t.Fatalf("unexpected pinned key: %q", key)
	}
}

func TestBackup_ExportImportRoundTrip(t *testing.T) {
	_ = newTestDB(t)

	mappingID := newTestMapping(t, "alice", "web-01", "deploy")
	if _, err := UpsertQueuedItem(mappingID, model.PriorityUser, time.Now()); err != nil {
		t.Fatalf("UpsertQueuedItem failed: %v", err)
	}
	d := &model.Deployment{
		HostID:            1,
		UserHostAccountID: mappingID,
		Status:            model.DeployStatusSuccess,
		Checksum:          "abc123",
		KeyCount:          2,
		StartedAt:         time.Now().UTC(),
	}
	if err := RecordDeployment(d); err != nil {
		t.Fatalf("RecordDeployment failed: %v", err)
	}
	if err := AddKnownHostKey("web-01", "ssh-ed25519 AAAA"); err != nil {
		t.Fatalf("AddKnownHostKey failed: %v", err)
	}

	backup, err := ExportDataForBackup()
	if err != nil {
		t.Fatalf("ExportDataForBackup failed: %v", err)
	}
	if backup.SchemaVersion != BackupSchemaVersion {
		t.Fatalf("unexpected schema version %d", backup.SchemaVersion)
	}
	if len(backup.Hosts) != 1 || len(backup.Users) != 1 || len(backup.Mappings) != 1 ||
		len(backup.QueueItems) != 1 || len(backup.Deployments) != 1 || len(backup.KnownHosts) != 1 {
		t.Fatalf("unexpected backup counts: %+v", backup)
	}

	// Import into a fresh database and verify contents survive.
	dsn2 := "file:test_" + t.Name() + "_restore?mode=memory&cache=shared"
	if err := InitDB("sqlite", dsn2); err != nil {
		t.Fatalf("InitDB restore target failed: %v", err)
	}
	if err := ImportDataFromBackup(backup); err != nil {
		t.Fatalf("ImportDataFromBackup failed: %v", err)
	}

	restored, err := ExportDataForBackup()
	if err != nil {
		t.Fatalf("re-export failed: %v", err)
	}
	if len(restored.Deployments) != 1 || restored.Deployments[0].Checksum != "abc123" {
		t.Fatalf("deployment did not survive round trip: %+v", restored.Deployments)
	}
	if len(restored.QueueItems) != 1 || restored.QueueItems[0].UserHostAccountID != mappingID {
		t.Fatalf("queue item did not survive round trip: %+v", restored.QueueItems)
	}
}

func TestImportBackup_RejectsNewerSchema(t *testing.T) {
	_ = newTestDB(t)

	backup := &model.BackupData{SchemaVersion: BackupSchemaVersion + 1}
	if err := ImportDataFromBackup(backup); err == nil {
		t.Fatalf("expected import of newer schema version to fail")
	}
}
