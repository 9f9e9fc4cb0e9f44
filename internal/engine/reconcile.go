// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// This file implements the per-item reconciliation state machine: recompute
// desired state, compare checksums against the last successful deployment,
// apply remotely when they differ, and append the outcome to the ledger.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keyfleet/internal/config"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/metrics"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/notify"
	"github.com/toeirei/keyfleet/internal/render"
)

// Engine reconciles apply queue items against the fleet.
type Engine struct {
	cfg      config.EngineConfig
	applier  deploy.Applier
	notifier notify.Notifier
	now      func() time.Time
}

// New builds an engine. A nil notifier falls back to the log notifier.
func New(cfg config.EngineConfig, applier deploy.Applier, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Engine{
		cfg:      cfg,
		applier:  applier,
		notifier: notifier,
		now:      time.Now,
	}
}

// ProcessNext claims and reconciles one due queue item. It returns false
// when the queue had nothing eligible.
func (e *Engine) ProcessNext() (bool, error) {
	item, err := db.DequeueNextItem(e.now())
	if err != nil {
		return false, fmt.Errorf("dequeue failed: %w", err)
	}
	if item == nil {
		return false, nil
	}
	e.processItem(item)
	return true, nil
}

// processItem runs the reconciliation state machine while holding the
// item's lease. All exits move the item to a terminal status or back to
// queued; the item is never left running.
func (e *Engine) processItem(item *model.ApplyQueueItem) {
	start := e.now()

	mapping, err := db.GetMapping(item.UserHostAccountID)
	if err != nil {
		e.handleFailure(item, nil, deploy.WrapClass(deploy.ClassTransient, err))
		return
	}
	if mapping == nil {
		e.cancelItem(item, "mapping no longer exists")
		return
	}
	if mapping.Status != model.MappingStatusActive {
		e.cancelItem(item, "mapping is disabled")
		return
	}

	host, err := db.GetHost(mapping.HostID)
	if err != nil {
		e.handleFailure(item, mapping, deploy.WrapClass(deploy.ClassTransient, err))
		return
	}
	if host == nil {
		e.cancelItem(item, fmt.Sprintf("host %d no longer exists", mapping.HostID))
		return
	}

	// Desired state is always recomputed at processing time, never carried
	// in the queue item. Stale enqueues are harmless because of this.
	keys, err := db.ListActiveKeysForUser(mapping.UserID, e.now())
	if err != nil {
		e.handleFailure(item, mapping, deploy.WrapClass(deploy.ClassTransient, err))
		return
	}
	desired := render.AuthorizedKeys(keys)

	baseline, err := db.LastSuccessfulDeployment(mapping.ID)
	if err != nil {
		e.handleFailure(item, mapping, deploy.WrapClass(deploy.ClassTransient, err))
		return
	}

	if baseline != nil && baseline.Checksum == desired.Checksum {
		// Remote already matches the desired content; skip the write but
		// still append a success entry so the ledger shows the check ran.
		if err := e.recordOutcome(item, mapping, desired, model.DeployStatusSuccess, "", start); err != nil {
			e.handleFailure(item, mapping, err)
			return
		}
		e.completeItem(item, "noop", start)
		return
	}

	if err := e.applier.Apply(*host, mapping.RemoteUsername, desired.Content); err != nil {
		if recErr := e.recordOutcome(item, mapping, desired, model.DeployStatusFailed, err.Error(), start); recErr != nil {
			logging.L.Error("failed to record failed deployment", "mapping", mapping.ID, "error", recErr)
		}
		e.handleFailure(item, mapping, err)
		return
	}

	if err := e.recordOutcome(item, mapping, desired, model.DeployStatusSuccess, "", start); err != nil {
		e.handleFailure(item, mapping, err)
		return
	}

	now := e.now()
	if err := db.TouchHostLastSeen(host.ID, now); err != nil {
		logging.L.Warn("failed to update host last_seen", "host", host.ID, "error", err)
	}
	if len(keys) > 0 {
		ids := make([]int, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, k.ID)
		}
		if err := db.UpdateKeysLastApplied(ids, now); err != nil {
			logging.L.Warn("failed to update key last_applied", "mapping", mapping.ID, "error", err)
		}
	}

	e.completeItem(item, "success", start)
	logging.L.Info("reconciled", "mapping", mapping.ID, "host", host.Hostname, "account", mapping.RemoteUsername, "keys", desired.KeyCount, "checksum", desired.Checksum)
}

// recordOutcome appends a ledger entry for this attempt. The generation is
// assigned inside the store; a conflict means another writer touched this
// mapping while we held the lease, which is an invariant violation.
func (e *Engine) recordOutcome(item *model.ApplyQueueItem, mapping *model.UserHostAccount, desired render.Result, status, errMsg string, start time.Time) error {
	now := e.now()
	d := &model.Deployment{
		HostID:            mapping.HostID,
		UserHostAccountID: mapping.ID,
		Status:            status,
		Checksum:          desired.Checksum,
		KeyCount:          desired.KeyCount,
		StartedAt:         start,
		FinishedAt:        &now,
		Error:             errMsg,
		RetryCount:        item.RetryCount,
	}
	if err := db.RecordDeployment(d); err != nil {
		if errors.Is(err, db.ErrGenerationConflict) {
			return deploy.WrapClass(deploy.ClassInvariant, err)
		}
		return deploy.WrapClass(deploy.ClassTransient, err)
	}
	return nil
}

func (e *Engine) completeItem(item *model.ApplyQueueItem, result string, start time.Time) {
	if err := db.MarkItemCompleted(item.ID, e.now()); err != nil {
		logging.L.Error("failed to complete queue item", "item", item.ID, "error", err)
		return
	}
	metrics.ObserveDeployment(result, e.now().Sub(start))
}

func (e *Engine) cancelItem(item *model.ApplyQueueItem, reason string) {
	logging.L.Warn("cancelling queue item", "item", item.ID, "mapping", item.UserHostAccountID, "reason", reason)
	if err := db.MarkItemCancelled(item.ID, e.now(), reason); err != nil {
		logging.L.Error("failed to cancel queue item", "item", item.ID, "error", err)
		return
	}
	metrics.DeploymentsTotal.WithLabelValues("cancelled").Inc()
}

// retryCeiling returns the number of retries an error class earns.
// Transient faults get the configured ceiling. Config errors get exactly
// one retry in case the operator fixes credentials quickly. Invariant
// violations get one requeue so a transient double-claim can settle, and
// recur loudly if the bug persists.
func (e *Engine) retryCeiling(class deploy.Class) int {
	switch class {
	case deploy.ClassConfig, deploy.ClassInvariant:
		return 1
	default:
		return e.cfg.MaxRetries
	}
}

func (e *Engine) handleFailure(item *model.ApplyQueueItem, mapping *model.UserHostAccount, err error) {
	class := deploy.Classify(err)

	if class == deploy.ClassData {
		e.cancelItem(item, err.Error())
		return
	}
	if class == deploy.ClassInvariant {
		logging.L.Error("invariant violation during reconcile", "item", item.ID, "mapping", item.UserHostAccountID, "error", err)
	}

	if item.RetryCount < e.retryCeiling(class) {
		delay := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, item.RetryCount)
		retryAt := e.now().Add(delay)
		if rerr := db.RescheduleItem(item.ID, item.RetryCount+1, retryAt, err.Error()); rerr != nil {
			logging.L.Error("failed to reschedule queue item", "item", item.ID, "error", rerr)
			return
		}
		metrics.RetriesTotal.WithLabelValues(string(class)).Inc()
		logging.L.Warn("reconcile failed, retrying", "item", item.ID, "mapping", item.UserHostAccountID, "class", class, "retry", item.RetryCount+1, "delay", delay, "error", err)
		return
	}

	if ferr := db.MarkItemFailed(item.ID, e.now(), err.Error()); ferr != nil {
		logging.L.Error("failed to mark queue item failed", "item", item.ID, "error", ferr)
		return
	}
	metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
	e.notifier.JobFailed(*item, mapping, err.Error())
}
