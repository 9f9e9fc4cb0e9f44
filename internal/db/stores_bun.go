// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// BunStore is the consolidated bun-backed Store implementation used for all
// supported database engines. It delegates operations to centralized Bun
// helpers in this package.
type BunStore struct {
	bun *bun.DB
}

// BunDB returns the underlying *bun.DB for advanced callers.
func (s *BunStore) BunDB() *bun.DB { return s.bun }

func (s *BunStore) AddHost(hostname, address, osFamily string) (int, error) {
	return AddHostBun(s.bun, hostname, address, osFamily)
}
func (s *BunStore) GetHost(id int) (*model.ManagedHost, error) { return GetHostBun(s.bun, id) }
func (s *BunStore) GetHostByHostname(hostname string) (*model.ManagedHost, error) {
	return GetHostByHostnameBun(s.bun, hostname)
}
func (s *BunStore) GetAllHosts() ([]model.ManagedHost, error) { return GetAllHostsBun(s.bun) }
func (s *BunStore) TouchHostLastSeen(id int, at time.Time) error {
	return TouchHostLastSeenBun(s.bun, id, at)
}

func (s *BunStore) AddUser(username string) (int, error) { return AddUserBun(s.bun, username) }
func (s *BunStore) GetUser(id int) (*model.User, error)  { return GetUserBun(s.bun, id) }
func (s *BunStore) GetUserByUsername(username string) (*model.User, error) {
	return GetUserByUsernameBun(s.bun, username)
}
func (s *BunStore) AddSSHKey(key model.SSHKey) (int, error) {
	return AddSSHKeyBun(s.bun, key)
}
func (s *BunStore) ListActiveKeysForUser(userID int, now time.Time) ([]model.SSHKey, error) {
	return ListActiveKeysForUserBun(s.bun, userID, now)
}
func (s *BunStore) MarkKeysRevokedByFingerprint(fingerprint string) ([]model.SSHKey, error) {
	return MarkKeysRevokedByFingerprintBun(s.bun, fingerprint)
}
func (s *BunStore) UpdateKeysLastApplied(keyIDs []int, at time.Time) error {
	return UpdateKeysLastAppliedBun(s.bun, keyIDs, at)
}
func (s *BunStore) AddMapping(userID, hostID int, remoteUsername string) (int, error) {
	return AddMappingBun(s.bun, userID, hostID, remoteUsername)
}
func (s *BunStore) GetMapping(id int) (*model.UserHostAccount, error) {
	return GetMappingBun(s.bun, id)
}
func (s *BunStore) ListActiveMappings(hostID int) ([]model.UserHostAccount, error) {
	return ListActiveMappingsBun(s.bun, hostID)
}
func (s *BunStore) ListActiveMappingsForUser(userID int) ([]model.UserHostAccount, error) {
	return ListActiveMappingsForUserBun(s.bun, userID)
}
func (s *BunStore) SetMappingStatus(id int, status string) error {
	return SetMappingStatusBun(s.bun, id, status)
}

func (s *BunStore) UpsertQueuedItem(mappingID, priority int, scheduledAt time.Time) (string, error) {
	return UpsertQueuedItemBun(s.bun, mappingID, priority, scheduledAt)
}
func (s *BunStore) DequeueNextItem(now time.Time) (*model.ApplyQueueItem, error) {
	return DequeueNextItemBun(s.bun, now)
}
func (s *BunStore) RequeueExpiredLeases(now time.Time, lease time.Duration) (int, error) {
	return RequeueExpiredLeasesBun(s.bun, now, lease)
}
func (s *BunStore) MarkItemCompleted(id string, at time.Time) error {
	return MarkItemCompletedBun(s.bun, id, at)
}
func (s *BunStore) MarkItemFailed(id string, at time.Time, errMsg string) error {
	return MarkItemFailedBun(s.bun, id, at, errMsg)
}
func (s *BunStore) MarkItemCancelled(id string, at time.Time, reason string) error {
	return MarkItemCancelledBun(s.bun, id, at, reason)
}
func (s *BunStore) CancelQueuedItem(id string, at time.Time, reason string) (bool, error) {
	return CancelQueuedItemBun(s.bun, id, at, reason)
}
func (s *BunStore) RescheduleItem(id string, retryCount int, at time.Time, errMsg string) error {
	return RescheduleItemBun(s.bun, id, retryCount, at, errMsg)
}
func (s *BunStore) CountQueueByStatus() (map[string]int, error) {
	return CountQueueByStatusBun(s.bun)
}
func (s *BunStore) PruneFinishedItems(olderThan time.Time) (int, error) {
	return PruneFinishedItemsBun(s.bun, olderThan)
}

func (s *BunStore) RecordDeployment(d *model.Deployment) error {
	return RecordDeploymentBun(s.bun, d)
}
func (s *BunStore) LastSuccessfulDeployment(mappingID int) (*model.Deployment, error) {
	return LastSuccessfulDeploymentBun(s.bun, mappingID)
}
func (s *BunStore) ListDeploymentsForHost(hostID, limit int) ([]model.Deployment, error) {
	return ListDeploymentsForHostBun(s.bun, hostID, limit)
}
func (s *BunStore) ListDeploymentsForMapping(mappingID, limit int) ([]model.Deployment, error) {
	return ListDeploymentsForMappingBun(s.bun, mappingID, limit)
}

func (s *BunStore) GetKnownHostKey(hostname string) (string, error) {
	return GetKnownHostKeyBun(s.bun, hostname)
}
func (s *BunStore) AddKnownHostKey(hostname, key string) error {
	return AddKnownHostKeyBun(s.bun, hostname, key)
}

func (s *BunStore) ExportDataForBackup() (*model.BackupData, error) {
	return ExportDataForBackupBun(s.bun)
}
func (s *BunStore) ImportDataFromBackup(backup *model.BackupData) error {
	return ImportDataFromBackupBun(s.bun, backup)
}
