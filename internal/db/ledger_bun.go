// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// This file implements the deployment ledger: one row per reconciliation
// attempt, generation-numbered per (host, mapping) pair. The ledger stores
// foreign keys only, never embedded objects; the Key/Policy store owns
// everything it references.
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

// DeploymentModel maps the `deployments` table.
type DeploymentModel struct {
	bun.BaseModel     `bun:"table:deployments"`
	ID                string         `bun:"id,pk"`
	HostID            int            `bun:"host_id"`
	UserHostAccountID int            `bun:"user_host_account_id"`
	Generation        int            `bun:"generation"`
	Status            string         `bun:"status"`
	Checksum          string         `bun:"checksum"`
	KeyCount          int            `bun:"key_count"`
	StartedAt         time.Time      `bun:"started_at"`
	FinishedAt        sql.NullTime   `bun:"finished_at"`
	Error             sql.NullString `bun:"error"`
	RetryCount        int            `bun:"retry_count"`
}

func deploymentModelToModel(d DeploymentModel) model.Deployment {
	dep := model.Deployment{
		ID:                d.ID,
		HostID:            d.HostID,
		UserHostAccountID: d.UserHostAccountID,
		Generation:        d.Generation,
		Status:            d.Status,
		Checksum:          d.Checksum,
		KeyCount:          d.KeyCount,
		StartedAt:         d.StartedAt,
		RetryCount:        d.RetryCount,
	}
	if d.FinishedAt.Valid {
		t := d.FinishedAt.Time
		dep.FinishedAt = &t
	}
	if d.Error.Valid {
		dep.Error = d.Error.String
	}
	return dep
}

// RecordDeploymentBun appends a ledger entry, assigning the row ID and the
// next generation for the (host, mapping) pair at write time. Generation
// assignment happens inside the lease-holding worker, so MAX(generation)+1
// within a transaction is race-free by construction; the unique constraint
// on (host_id, user_host_account_id, generation) turns any lease violation
// into ErrGenerationConflict instead of silently accepting it.
func RecordDeploymentBun(bdb *bun.DB, d *model.Deployment) error {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var max sql.NullInt64
	if err := QueryRawInto(ctx, tx, &max,
		"SELECT MAX(generation) FROM deployments WHERE host_id = ? AND user_host_account_id = ?",
		d.HostID, d.UserHostAccountID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	generation := 1
	if max.Valid {
		generation = int(max.Int64) + 1
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Generation = generation

	dm := &DeploymentModel{
		ID:                d.ID,
		HostID:            d.HostID,
		UserHostAccountID: d.UserHostAccountID,
		Generation:        d.Generation,
		Status:            d.Status,
		Checksum:          d.Checksum,
		KeyCount:          d.KeyCount,
		StartedAt:         d.StartedAt.UTC(),
		Error:             sql.NullString{String: d.Error, Valid: d.Error != ""},
		RetryCount:        d.RetryCount,
	}
	if d.FinishedAt != nil {
		dm.FinishedAt = sql.NullTime{Time: d.FinishedAt.UTC(), Valid: true}
	}
	if _, err := tx.NewInsert().Model(dm).Exec(ctx); err != nil {
		return MapGenerationError(err)
	}
	return tx.Commit()
}

// LastSuccessfulDeploymentBun returns the most recent success entry for a
// mapping, which carries the checksum baseline. (nil, nil) when the
// mapping has never deployed successfully.
func LastSuccessfulDeploymentBun(bdb *bun.DB, mappingID int) (*model.Deployment, error) {
	ctx := context.Background()
	var dm DeploymentModel
	err := bdb.NewSelect().Model(&dm).
		Where("user_host_account_id = ?", mappingID).
		Where("status = ?", model.DeployStatusSuccess).
		OrderExpr("generation DESC").
		Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d := deploymentModelToModel(dm)
	return &d, nil
}

// ListDeploymentsForHostBun returns the host's ledger entries, newest
// first. A limit of 0 returns everything.
func ListDeploymentsForHostBun(bdb *bun.DB, hostID, limit int) ([]model.Deployment, error) {
	return listDeployments(bdb, "host_id", hostID, limit)
}

// ListDeploymentsForMappingBun returns the mapping's ledger entries,
// newest first. A limit of 0 returns everything.
func ListDeploymentsForMappingBun(bdb *bun.DB, mappingID, limit int) ([]model.Deployment, error) {
	return listDeployments(bdb, "user_host_account_id", mappingID, limit)
}

func listDeployments(bdb *bun.DB, column string, id, limit int) ([]model.Deployment, error) {
	ctx := context.Background()
	var dm []DeploymentModel
	q := bdb.NewSelect().Model(&dm).
		Where("? = ?", bun.Ident(column), id).
		OrderExpr("started_at DESC, generation DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Deployment, 0, len(dm))
	for _, d := range dm {
		out = append(out, deploymentModelToModel(d))
	}
	return out, nil
}
