// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package engine drives continuous reconciliation: a pool of workers
// draining the durable apply queue, a sweeper that requeues expired leases,
// and periodic queue pruning and metrics refresh.
package engine // import "github.com/toeirei/keyfleet/internal/engine"

import (
	"context"
	"errors"
	"time"

	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Run starts the worker pool and the background tickers and blocks until
// ctx is cancelled. Workers finish their in-flight item before exiting, so
// cancellation never abandons a lease.
func (e *Engine) Run(ctx context.Context) error {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	poll := e.cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	logging.L.Info("engine starting", "workers", workers, "poll", poll, "lease", e.cfg.LeaseTimeout)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return e.workerLoop(ctx, worker, poll)
		})
	}

	g.Go(func() error { return e.sweepLoop(ctx) })
	g.Go(func() error { return e.housekeepingLoop(ctx, poll) })

	err := g.Wait()
	logging.L.Info("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop drains the queue, sleeping with jitter while it is empty.
func (e *Engine) workerLoop(ctx context.Context, worker int, poll time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, err := e.ProcessNext()
		if err != nil {
			logging.L.Error("worker dequeue error", "worker", worker, "error", err)
		}
		if processed {
			// Drain eagerly while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollJitter(poll)):
		}
	}
}

// sweepLoop periodically returns expired running leases to the queue.
// Sweeping at half the lease timeout bounds how long a crashed worker can
// stall a mapping.
func (e *Engine) sweepLoop(ctx context.Context) error {
	lease := e.cfg.LeaseTimeout
	if lease <= 0 {
		lease = 3 * time.Minute
	}
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := db.RequeueExpiredLeases(e.now(), lease)
			if err != nil {
				logging.L.Error("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.LeaseSweepsTotal.Add(float64(n))
				logging.L.Warn("requeued expired leases", "count", n, "lease", lease)
			}
		}
	}
}

// housekeepingLoop refreshes the queue depth gauge and prunes finished
// items past their retention window.
func (e *Engine) housekeepingLoop(ctx context.Context, poll time.Duration) error {
	gaugeTicker := time.NewTicker(poll)
	defer gaugeTicker.Stop()

	pruneEvery := time.Hour
	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gaugeTicker.C:
			counts, err := db.CountQueueByStatus()
			if err != nil {
				logging.L.Error("queue depth refresh failed", "error", err)
				continue
			}
			metrics.SetQueueDepth(counts)
		case <-pruneTicker.C:
			if e.cfg.PruneAfter <= 0 {
				continue
			}
			cutoff := e.now().Add(-e.cfg.PruneAfter)
			n, err := db.PruneFinishedItems(cutoff)
			if err != nil {
				logging.L.Error("queue prune failed", "error", err)
				continue
			}
			if n > 0 {
				logging.L.Info("pruned finished queue items", "count", n, "older_than", cutoff)
			}
		}
	}
}
