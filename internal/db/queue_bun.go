// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// This file implements the durable apply queue and its lease semantics.
// A row's `running` status together with an unexpired started_at IS the
// per-mapping lease; the queued->running compare-and-set is the engine's
// only serialization point.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// QueueItemModel maps the `apply_queue` table.
type QueueItemModel struct {
	bun.BaseModel     `bun:"table:apply_queue"`
	ID                string         `bun:"id,pk"`
	UserHostAccountID int            `bun:"user_host_account_id"`
	Priority          int            `bun:"priority"`
	Status            string         `bun:"status"`
	ScheduledAt       time.Time      `bun:"scheduled_at"`
	StartedAt         sql.NullTime   `bun:"started_at"`
	FinishedAt        sql.NullTime   `bun:"finished_at"`
	RetryCount        int            `bun:"retry_count"`
	Error             sql.NullString `bun:"error"`
	CreatedAt         time.Time      `bun:"created_at,nullzero"`
}

func queueItemModelToModel(q QueueItemModel) model.ApplyQueueItem {
	item := model.ApplyQueueItem{
		ID:                q.ID,
		UserHostAccountID: q.UserHostAccountID,
		Priority:          q.Priority,
		Status:            q.Status,
		ScheduledAt:       q.ScheduledAt,
		RetryCount:        q.RetryCount,
		CreatedAt:         q.CreatedAt,
	}
	if q.StartedAt.Valid {
		t := q.StartedAt.Time
		item.StartedAt = &t
	}
	if q.FinishedAt.Valid {
		t := q.FinishedAt.Time
		item.FinishedAt = &t
	}
	if q.Error.Valid {
		item.Error = q.Error.String
	}
	return item
}

// UpsertQueuedItemBun enqueues reconciliation work for a mapping,
// coalescing with any existing queued row (upsert-by-account semantics).
// A coalesced row keeps the highest priority and the earliest schedule so
// an emergency enqueue can never be delayed by an earlier routine one.
func UpsertQueuedItemBun(bdb *bun.DB, mappingID, priority int, scheduledAt time.Time) (string, error) {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var existing QueueItemModel
	err = tx.NewSelect().Model(&existing).
		Where("user_host_account_id = ?", mappingID).
		Where("status = ?", model.ItemStatusQueued).
		Limit(1).Scan(ctx)
	switch {
	case err == nil:
		newPriority := existing.Priority
		if priority > newPriority {
			newPriority = priority
		}
		newScheduled := existing.ScheduledAt
		if scheduledAt.Before(newScheduled) {
			newScheduled = scheduledAt
		}
		if _, err := ExecRaw(ctx, tx,
			"UPDATE apply_queue SET priority = ?, scheduled_at = ? WHERE id = ? AND status = ?",
			newPriority, newScheduled.UTC(), existing.ID, model.ItemStatusQueued); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return existing.ID, nil
	case errors.Is(err, sql.ErrNoRows):
		item := &QueueItemModel{
			ID:                uuid.NewString(),
			UserHostAccountID: mappingID,
			Priority:          priority,
			Status:            model.ItemStatusQueued,
			ScheduledAt:       scheduledAt.UTC(),
			CreatedAt:         time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(item).Exec(ctx); err != nil {
			return "", MapDBError(err)
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return item.ID, nil
	default:
		return "", err
	}
}

// DequeueNextItemBun atomically claims the next eligible queue item:
// highest priority first, FIFO within a band, skipping items scheduled in
// the future and mappings that already hold a running lease. Returns
// (nil, nil) when the queue has no eligible work.
//
// The claim is a compare-and-set on status so concurrent workers racing on
// the same row cannot both win; the loser simply retries on the next
// candidate.
func DequeueNextItemBun(bdb *bun.DB, now time.Time) (*model.ApplyQueueItem, error) {
	ctx := context.Background()

	// A handful of CAS attempts is plenty; persistent contention just means
	// another worker got the work.
	for attempt := 0; attempt < 5; attempt++ {
		var candidate QueueItemModel
		err := bdb.NewSelect().Model(&candidate).
			Where("status = ?", model.ItemStatusQueued).
			Where("scheduled_at <= ?", now.UTC()).
			Where("user_host_account_id NOT IN (SELECT user_host_account_id FROM apply_queue WHERE status = ?)", model.ItemStatusRunning).
			OrderExpr("priority DESC, scheduled_at ASC, id ASC").
			Limit(1).Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		started := now.UTC()
		res, err := ExecRaw(ctx, bdb,
			"UPDATE apply_queue SET status = ?, started_at = ? WHERE id = ? AND status = ?",
			model.ItemStatusRunning, started, candidate.ID, model.ItemStatusQueued)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			candidate.Status = model.ItemStatusRunning
			candidate.StartedAt = sql.NullTime{Time: started, Valid: true}
			item := queueItemModelToModel(candidate)
			return &item, nil
		}
		// Lost the race for this row; try the next candidate.
	}
	return nil, nil
}

// RequeueExpiredLeasesBun returns running items whose lease has expired to
// the queued state, treating the previous holder as a crashed worker.
// Retry counts are left untouched: a crash is not a deployment failure.
func RequeueExpiredLeasesBun(bdb *bun.DB, now time.Time, lease time.Duration) (int, error) {
	ctx := context.Background()
	cutoff := now.Add(-lease).UTC()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE apply_queue SET status = ?, started_at = NULL WHERE status = ? AND started_at < ?",
		model.ItemStatusQueued, model.ItemStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkItemCompletedBun finishes a running item successfully.
func MarkItemCompletedBun(bdb *bun.DB, id string, at time.Time) error {
	return finishItem(bdb, id, model.ItemStatusCompleted, at, "")
}

// MarkItemFailedBun finishes a running item with a terminal failure.
func MarkItemFailedBun(bdb *bun.DB, id string, at time.Time, errMsg string) error {
	return finishItem(bdb, id, model.ItemStatusFailed, at, errMsg)
}

// MarkItemCancelledBun finishes a running item as cancelled. Used by the
// worker when the job turns out to reference disabled or missing data;
// running jobs are never preempted from outside.
func MarkItemCancelledBun(bdb *bun.DB, id string, at time.Time, reason string) error {
	return finishItem(bdb, id, model.ItemStatusCancelled, at, reason)
}

func finishItem(bdb *bun.DB, id, status string, at time.Time, errMsg string) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE apply_queue SET status = ?, finished_at = ?, error = ? WHERE id = ? AND status = ?",
		status, at.UTC(), sql.NullString{String: errMsg, Valid: errMsg != ""}, id, model.ItemStatusRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelQueuedItemBun cancels an item that has not started yet (e.g., the
// mapping was disabled before the job ran). Returns false if the item was
// no longer in the queued state; a running job always runs to a terminal
// status.
func CancelQueuedItemBun(bdb *bun.DB, id string, at time.Time, reason string) (bool, error) {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE apply_queue SET status = ?, finished_at = ?, error = ? WHERE id = ? AND status = ?",
		model.ItemStatusCancelled, at.UTC(), sql.NullString{String: reason, Valid: reason != ""}, id, model.ItemStatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RescheduleItemBun returns a running item to queued for a retry at the
// given time, recording the new retry count and last error.
func RescheduleItemBun(bdb *bun.DB, id string, retryCount int, at time.Time, errMsg string) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE apply_queue SET status = ?, scheduled_at = ?, started_at = NULL, retry_count = ?, error = ? WHERE id = ? AND status = ?",
		model.ItemStatusQueued, at.UTC(), retryCount, sql.NullString{String: errMsg, Valid: errMsg != ""}, id, model.ItemStatusRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountQueueByStatusBun returns the queue depth per status.
func CountQueueByStatusBun(bdb *bun.DB) (map[string]int, error) {
	ctx := context.Background()
	var rows []struct {
		Status string `bun:"status"`
		N      int    `bun:"n"`
	}
	if err := QueryRawInto(ctx, bdb, &rows, "SELECT status, COUNT(*) AS n FROM apply_queue GROUP BY status"); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// PruneFinishedItemsBun deletes terminal queue items finished before the
// cutoff to bound table growth.
func PruneFinishedItemsBun(bdb *bun.DB, olderThan time.Time) (int, error) {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"DELETE FROM apply_queue WHERE status IN (?, ?, ?) AND finished_at < ?",
		model.ItemStatusCompleted, model.ItemStatusFailed, model.ItemStatusCancelled, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
