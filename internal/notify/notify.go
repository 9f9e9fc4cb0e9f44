// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package notify defines the engine's outbound notification hooks. The
// engine never blocks on a notifier; implementations must return promptly
// or hand off to their own goroutine.
package notify // import "github.com/toeirei/keyfleet/internal/notify"

import (
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
)

// Notifier receives engine events that an operator should hear about.
type Notifier interface {
	// JobFailed fires when a queue item reaches a terminal failed state,
	// after all retries are exhausted.
	JobFailed(item model.ApplyQueueItem, mapping *model.UserHostAccount, reason string)
	// EmergencyRevokeDone fires once all jobs for a fingerprint revoke
	// have been enqueued.
	EmergencyRevokeDone(summary model.RevokeSummary)
}

// LogNotifier writes notifications to the structured log. It is the default
// when no external notifier is wired up.
type LogNotifier struct{}

func (LogNotifier) JobFailed(item model.ApplyQueueItem, mapping *model.UserHostAccount, reason string) {
	if mapping != nil {
		logging.L.Error("apply job failed terminally", "item", item.ID, "mapping", mapping.ID, "account", mapping.RemoteUsername, "retries", item.RetryCount, "reason", reason)
		return
	}
	logging.L.Error("apply job failed terminally", "item", item.ID, "mapping", item.UserHostAccountID, "retries", item.RetryCount, "reason", reason)
}

func (LogNotifier) EmergencyRevokeDone(summary model.RevokeSummary) {
	logging.L.Warn("emergency revoke enqueued", "fingerprint", summary.Fingerprint, "keys_revoked", summary.RevokedCount, "users", summary.AffectedUsers, "jobs", summary.EnqueuedJobs)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) JobFailed(item model.ApplyQueueItem, mapping *model.UserHostAccount, reason string) {
	for _, n := range m {
		n.JobFailed(item, mapping, reason)
	}
}

func (m Multi) EmergencyRevokeDone(summary model.RevokeSummary) {
	for _, n := range m {
		n.EmergencyRevokeDone(summary)
	}
}
