// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
)

func recordTestDeployment(t *testing.T, hostID, mappingID int, status, checksum string) *model.Deployment {
	t.Helper()
	d := &model.Deployment{
		HostID:            hostID,
		UserHostAccountID: mappingID,
		Status:            status,
		Checksum:          checksum,
		StartedAt:         time.Now().UTC(),
	}
	if err := RecordDeployment(d); err != nil {
		t.Fatalf("RecordDeployment failed: %v", err)
	}
	return d
}

func TestLedger_GenerationsAreGapless(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	var gens []int
	for i := 0; i < 5; i++ {
		d := recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "cs")
		gens = append(gens, d.Generation)
		if d.ID == "" {
			t.Fatalf("RecordDeployment did not assign an ID")
		}
	}
	for i, g := range gens {
		if g != i+1 {
			t.Fatalf("expected gapless generations 1..5, got %v", gens)
		}
	}
}

func TestLedger_GenerationsGaplessUnderConcurrentWriters(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := &model.Deployment{
				HostID:            1,
				UserHostAccountID: mappingID,
				Status:            model.DeployStatusSuccess,
				Checksum:          "cs",
				StartedAt:         time.Now().UTC(),
			}
			if err := RecordDeployment(d); err != nil {
				t.Errorf("concurrent RecordDeployment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	deps, err := ListDeploymentsForMapping(mappingID, writers+1)
	if err != nil {
		t.Fatalf("ListDeploymentsForMapping failed: %v", err)
	}
	if len(deps) != writers {
		t.Fatalf("expected %d ledger entries, got %d", writers, len(deps))
	}
	gens := make([]int, 0, len(deps))
	for _, d := range deps {
		gens = append(gens, d.Generation)
	}
	sort.Ints(gens)
	for i, g := range gens {
		if g != i+1 {
			t.Fatalf("expected gapless generations 1..%d, got %v", writers, gens)
		}
	}
}

func TestLedger_GenerationsScopedPerMapping(t *testing.T) {
	_ = newTestDB(t)
	m1 := newTestMapping(t, "u1", "h1", "deploy")
	m2 := newTestMapping(t, "u2", "h2", "deploy")

	recordTestDeployment(t, 1, m1, model.DeployStatusSuccess, "a")
	recordTestDeployment(t, 1, m1, model.DeployStatusFailed, "a")
	d := recordTestDeployment(t, 2, m2, model.DeployStatusSuccess, "b")
	if d.Generation != 1 {
		t.Fatalf("generation counter leaked across mappings: got %d", d.Generation)
	}
}

func TestLedger_FailedAttemptsConsumeGenerations(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	recordTestDeployment(t, 1, mappingID, model.DeployStatusFailed, "")
	d := recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "cs")
	if d.Generation != 2 {
		t.Fatalf("failed attempt must consume a generation, got %d", d.Generation)
	}
}

func TestLedger_LastSuccessfulDeployment(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	// No history yet: no baseline, no error.
	base, err := LastSuccessfulDeployment(mappingID)
	if err != nil {
		t.Fatalf("LastSuccessfulDeployment on empty ledger errored: %v", err)
	}
	if base != nil {
		t.Fatalf("expected nil baseline on empty ledger, got %+v", base)
	}

	recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "old")
	recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "new")
	recordTestDeployment(t, 1, mappingID, model.DeployStatusFailed, "broken")

	base, err = LastSuccessfulDeployment(mappingID)
	if err != nil {
		t.Fatalf("LastSuccessfulDeployment failed: %v", err)
	}
	if base == nil || base.Checksum != "new" {
		t.Fatalf("expected baseline checksum 'new', got %+v", base)
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	for i := 0; i < 4; i++ {
		recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "cs")
	}

	deps, err := ListDeploymentsForMapping(mappingID, 3)
	if err != nil {
		t.Fatalf("ListDeploymentsForMapping failed: %v", err)
	}
	if len(deps) != 3 {
		t.Fatalf("limit not applied: got %d entries", len(deps))
	}
	for i := 1; i < len(deps); i++ {
		if deps[i].Generation >= deps[i-1].Generation {
			t.Fatalf("expected newest-first ordering, got %+v", deps)
		}
	}

	byHost, err := ListDeploymentsForHost(1, 10)
	if err != nil {
		t.Fatalf("ListDeploymentsForHost failed: %v", err)
	}
	if len(byHost) != 4 {
		t.Fatalf("expected 4 host entries, got %d", len(byHost))
	}
}

func TestLedger_GenerationConflictSurfaces(t *testing.T) {
	_ = newTestDB(t)
	mappingID := newTestMapping(t, "alice", "web-01", "deploy")

	recordTestDeployment(t, 1, mappingID, model.DeployStatusSuccess, "cs")

	// Forcing a duplicate (host, mapping, generation) triple simulates a
	// lease violation; the unique constraint must surface as a conflict.
	dup := DeploymentModel{
		ID:                "forced-dup",
		HostID:            1,
		UserHostAccountID: mappingID,
		Generation:        1,
		Status:            model.DeployStatusSuccess,
		StartedAt:         time.Now().UTC(),
	}
	s, ok := store.(*BunStore)
	if !ok {
		t.Fatalf("expected BunStore-backed test database")
	}
	_, err := s.BunDB().NewInsert().Model(&dup).Exec(t.Context())
	if err == nil {
		t.Fatalf("expected unique constraint violation")
	}
	if mapped := MapGenerationError(err); mapped != ErrGenerationConflict {
		t.Fatalf("expected ErrGenerationConflict, got %v", mapped)
	}
}
