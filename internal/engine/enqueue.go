// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/notify"
)

// EnqueueApply schedules a reconciliation for one mapping. Duplicate
// enqueues coalesce into the existing queued item, keeping the highest
// priority and the earliest schedule.
func EnqueueApply(mappingID, priority int) (string, error) {
	mapping, err := db.GetMapping(mappingID)
	if err != nil {
		return "", fmt.Errorf("cannot enqueue for mapping %d: %w", mappingID, err)
	}
	if mapping == nil {
		return "", fmt.Errorf("cannot enqueue for mapping %d: %w", mappingID, db.ErrNotFound)
	}
	return db.UpsertQueuedItem(mappingID, priority, time.Now())
}

// EnqueueApplyAll schedules a reconciliation for every active mapping,
// optionally restricted to one host (hostID 0 means all). Returns the
// number of mappings enqueued.
func EnqueueApplyAll(hostID, priority int) (int, error) {
	mappings, err := db.ListActiveMappings(hostID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range mappings {
		if _, err := db.UpsertQueuedItem(m.ID, priority, time.Now()); err != nil {
			return n, fmt.Errorf("enqueue for %s failed: %w", m.String(), err)
		}
		n++
	}
	return n, nil
}

// EnqueueEmergencyRevoke revokes every key matching the fingerprint and
// enqueues a highest-priority apply for each mapping whose desired state
// changed. Revocation commits before any enqueue, so even a crash mid-way
// leaves the keys revoked and a later sweep converges the fleet.
func EnqueueEmergencyRevoke(fingerprint string, notifier notify.Notifier) (model.RevokeSummary, error) {
	summary := model.RevokeSummary{Fingerprint: fingerprint}

	revoked, err := db.MarkKeysRevokedByFingerprint(fingerprint)
	if err != nil {
		return summary, fmt.Errorf("failed to revoke keys for fingerprint %s: %w", fingerprint, err)
	}
	summary.RevokedCount = len(revoked)
	if len(revoked) == 0 {
		return summary, nil
	}

	// Distinct owners of revoked keys; each of their active mappings has a
	// stale authorized_keys file now.
	owners := map[int]bool{}
	for _, k := range revoked {
		owners[k.UserID] = true
	}

	userNames := map[string]bool{}
	for userID := range owners {
		user, err := db.GetUser(userID)
		if err != nil {
			return summary, fmt.Errorf("failed to load user %d during revoke: %w", userID, err)
		}
		if user == nil {
			logging.L.Warn("revoked key owner no longer exists", "user", userID)
			continue
		}
		userNames[user.Username] = true

		mappings, err := db.ListActiveMappingsForUser(userID)
		if err != nil {
			return summary, fmt.Errorf("failed to list mappings for user %s: %w", user.Username, err)
		}
		for _, m := range mappings {
			if _, err := db.UpsertQueuedItem(m.ID, model.PriorityEmergency, time.Now()); err != nil {
				return summary, fmt.Errorf("failed to enqueue emergency apply for %s: %w", m.String(), err)
			}
			summary.EnqueuedJobs++
		}
	}

	for name := range userNames {
		summary.AffectedUsers = append(summary.AffectedUsers, name)
	}
	sort.Strings(summary.AffectedUsers)

	logging.L.Warn("emergency revoke", "fingerprint", fingerprint, "keys", summary.RevokedCount, "jobs", summary.EnqueuedJobs)
	if notifier != nil {
		notifier.EmergencyRevokeDone(summary)
	}
	return summary, nil
}
