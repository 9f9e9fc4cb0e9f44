// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/toeirei/keyfleet/internal/model"
)

// Store defines the interface for all database operations in KeyFleet.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Managed host methods
	AddHost(hostname, address, osFamily string) (int, error)
	GetHost(id int) (*model.ManagedHost, error)
	GetHostByHostname(hostname string) (*model.ManagedHost, error)
	GetAllHosts() ([]model.ManagedHost, error)
	TouchHostLastSeen(id int, at time.Time) error

	// Key/Policy store view: users, keys, mappings. Read-mostly from the
	// engine's perspective; writes are limited to revocation transitions
	// and last-applied bookkeeping.
	AddUser(username string) (int, error)
	GetUser(id int) (*model.User, error)
	GetUserByUsername(username string) (*model.User, error)
	AddSSHKey(key model.SSHKey) (int, error)
	ListActiveKeysForUser(userID int, now time.Time) ([]model.SSHKey, error)
	MarkKeysRevokedByFingerprint(fingerprint string) ([]model.SSHKey, error)
	UpdateKeysLastApplied(keyIDs []int, at time.Time) error
	AddMapping(userID, hostID int, remoteUsername string) (int, error)
	GetMapping(id int) (*model.UserHostAccount, error)
	ListActiveMappings(hostID int) ([]model.UserHostAccount, error)
	ListActiveMappingsForUser(userID int) ([]model.UserHostAccount, error)
	SetMappingStatus(id int, status string) error

	// Apply queue methods. The queued->running transition is the engine's
	// sole serialization point; running status plus an unexpired
	// started_at is the per-mapping lease.
	UpsertQueuedItem(mappingID, priority int, scheduledAt time.Time) (string, error)
	DequeueNextItem(now time.Time) (*model.ApplyQueueItem, error)
	RequeueExpiredLeases(now time.Time, lease time.Duration) (int, error)
	MarkItemCompleted(id string, at time.Time) error
	MarkItemFailed(id string, at time.Time, errMsg string) error
	MarkItemCancelled(id string, at time.Time, reason string) error
	CancelQueuedItem(id string, at time.Time, reason string) (bool, error)
	RescheduleItem(id string, retryCount int, at time.Time, errMsg string) error
	CountQueueByStatus() (map[string]int, error)
	PruneFinishedItems(olderThan time.Time) (int, error)

	// Deployment ledger methods. RecordDeployment assigns the ID and the
	// next generation for the (host, mapping) pair at write time.
	RecordDeployment(d *model.Deployment) error
	LastSuccessfulDeployment(mappingID int) (*model.Deployment, error)
	ListDeploymentsForHost(hostID, limit int) ([]model.Deployment, error)
	ListDeploymentsForMapping(mappingID, limit int) ([]model.Deployment, error)

	// Host key methods
	GetKnownHostKey(hostname string) (string, error)
	AddKnownHostKey(hostname, key string) error

	// Backup methods
	ExportDataForBackup() (*model.BackupData, error)
	ImportDataFromBackup(backup *model.BackupData) error
}
