// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures for the reconciliation
// engine: managed hosts, user/host account mappings, SSH keys, apply queue
// items and deployment ledger entries.
package model

import (
	"fmt"
	"time"
)

// Key lifecycle states. Only active, unexpired keys contribute to a
// mapping's desired authorized_keys content.
const (
	KeyStatusActive     = "active"
	KeyStatusDeprecated = "deprecated"
	KeyStatusRevoked    = "revoked"
	KeyStatusExpired    = "expired"
)

// Mapping states. A disabled mapping is excluded from future reconciliation
// but its remote file is left alone until an explicit decommission.
const (
	MappingStatusActive   = "active"
	MappingStatusDisabled = "disabled"
)

// Apply queue item states. StatusRunning doubles as the reconciliation
// lease: an item stays running until it reaches a terminal status or its
// lease expires and the sweeper requeues it.
const (
	ItemStatusQueued    = "queued"
	ItemStatusRunning   = "running"
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
	ItemStatusCancelled = "cancelled"
)

// Deployment ledger states.
const (
	DeployStatusPending   = "pending"
	DeployStatusRunning   = "running"
	DeployStatusSuccess   = "success"
	DeployStatusFailed    = "failed"
	DeployStatusCancelled = "cancelled"
)

// Queue priorities. Higher values are dequeued first; within a band,
// items are processed oldest-first.
const (
	PriorityEmergency = 100
	PriorityUser      = 50
	PriorityRoutine   = 10
)

// ManagedHost is a machine in the fleet. Owned by the admin subsystem;
// the engine only updates LastSeenAt after successful applier contact.
type ManagedHost struct {
	ID         int
	Hostname   string
	Address    string
	OSFamily   string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// User is the minimal view of a portal user the engine needs: an owner for
// SSH keys and mappings.
type User struct {
	ID       int
	Username string
	Status   string
}

// SSHKey is a registered public key. Read-only to the engine except for
// LastAppliedAt bookkeeping and the revoked transition on emergency revoke.
type SSHKey struct {
	ID            int
	UserID        int
	PublicKey     string
	Algorithm     string
	BitLength     int
	Comment       string
	Fingerprint   string
	Options       string
	Status        string
	ExpiresAt     *time.Time
	LastAppliedAt *time.Time
	CreatedAt     time.Time
}

// Deployable reports whether the key contributes to desired state at the
// given instant: status active and not past its expiry.
func (k SSHKey) Deployable(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// UserHostAccount maps a user onto an account on a managed host
// (e.g., alice -> deploy@server-01). It is the unit of reconciliation:
// one desired authorized_keys file exists per active mapping.
type UserHostAccount struct {
	ID             int
	UserID         int
	HostID         int
	RemoteUsername string
	Status         string
	CreatedAt      time.Time
}

// String returns the user@host style representation of the remote account.
func (m UserHostAccount) String() string {
	return fmt.Sprintf("%s (mapping %d)", m.RemoteUsername, m.ID)
}

// ApplyQueueItem is one unit of pending reconciliation work for a mapping.
// The queue coalesces to at most one queued row per mapping; workers always
// recompute desired state at dequeue time, so duplicate enqueues are
// harmless.
type ApplyQueueItem struct {
	ID                string
	UserHostAccountID int
	Priority          int
	Status            string
	ScheduledAt       time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	RetryCount        int
	Error             string
	CreatedAt         time.Time
}

// Deployment is one ledger entry per reconciliation attempt. Generation is
// a per-(host,mapping) monotonic counter assigned by the lease-holding
// worker; the last successful entry's checksum is the idempotency baseline.
type Deployment struct {
	ID                string
	HostID            int
	UserHostAccountID int
	Generation        int
	Status            string
	Checksum          string
	KeyCount          int
	StartedAt         time.Time
	FinishedAt        *time.Time
	Error             string
	RetryCount        int
}

// KnownHost is a trusted host public key, pinned on first trust.
type KnownHost struct {
	Hostname string
	Key      string
}

// RevokeSummary describes the outcome of an emergency fingerprint revoke.
type RevokeSummary struct {
	Fingerprint   string
	RevokedCount  int
	AffectedUsers []string
	EnqueuedJobs  int
}

// BackupData is a container for all engine-owned state exported by the
// backup facility.
type BackupData struct {
	SchemaVersion int               `json:"schema_version"`
	Hosts         []ManagedHost     `json:"hosts"`
	Users         []User            `json:"users"`
	SSHKeys       []SSHKey          `json:"ssh_keys"`
	Mappings      []UserHostAccount `json:"mappings"`
	QueueItems    []ApplyQueueItem  `json:"queue_items"`
	Deployments   []Deployment      `json:"deployments"`
	KnownHosts    []KnownHost       `json:"known_hosts"`
}
