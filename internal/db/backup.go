// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// This file implements the backup facility: a full export/import of all
// engine-owned tables. Import is destructive and replaces the current
// contents; it runs in a single transaction so a failed restore leaves the
// database untouched.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// BackupSchemaVersion identifies the backup payload layout. Bump on any
// incompatible change to model JSON shapes.
const BackupSchemaVersion = 1

// --- Inverse conversions (domain model -> Bun row) ---

func hostModelFromModel(h model.ManagedHost) HostModel {
	row := HostModel{
		ID:        h.ID,
		Hostname:  h.Hostname,
		Address:   h.Address,
		OSFamily:  h.OSFamily,
		CreatedAt: h.CreatedAt,
	}
	if h.LastSeenAt != nil {
		row.LastSeenAt = sql.NullTime{Time: *h.LastSeenAt, Valid: true}
	}
	return row
}

func sshKeyModelFromModel(k model.SSHKey) SSHKeyModel {
	row := SSHKeyModel{
		ID:          k.ID,
		UserID:      k.UserID,
		PublicKey:   k.PublicKey,
		Algorithm:   k.Algorithm,
		BitLength:   k.BitLength,
		Fingerprint: k.Fingerprint,
		Status:      k.Status,
		CreatedAt:   k.CreatedAt,
	}
	if k.Comment != "" {
		row.Comment = sql.NullString{String: k.Comment, Valid: true}
	}
	if k.Options != "" {
		row.Options = sql.NullString{String: k.Options, Valid: true}
	}
	if k.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *k.ExpiresAt, Valid: true}
	}
	if k.LastAppliedAt != nil {
		row.LastAppliedAt = sql.NullTime{Time: *k.LastAppliedAt, Valid: true}
	}
	return row
}

func mappingModelFromModel(m model.UserHostAccount) MappingModel {
	return MappingModel{
		ID:             m.ID,
		UserID:         m.UserID,
		HostID:         m.HostID,
		RemoteUsername: m.RemoteUsername,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

func queueItemModelFromModel(q model.ApplyQueueItem) QueueItemModel {
	row := QueueItemModel{
		ID:                q.ID,
		UserHostAccountID: q.UserHostAccountID,
		Priority:          q.Priority,
		Status:            q.Status,
		ScheduledAt:       q.ScheduledAt,
		RetryCount:        q.RetryCount,
		CreatedAt:         q.CreatedAt,
	}
	if q.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *q.StartedAt, Valid: true}
	}
	if q.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *q.FinishedAt, Valid: true}
	}
	if q.Error != "" {
		row.Error = sql.NullString{String: q.Error, Valid: true}
	}
	return row
}

func deploymentModelFromModel(d model.Deployment) DeploymentModel {
	row := DeploymentModel{
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
	if d.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *d.FinishedAt, Valid: true}
	}
	if d.Error != "" {
		row.Error = sql.NullString{String: d.Error, Valid: true}
	}
	return row
}

// ExportDataForBackupBun reads every engine table into a BackupData payload.
func ExportDataForBackupBun(bdb *bun.DB) (*model.BackupData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	backup := &model.BackupData{SchemaVersion: BackupSchemaVersion}

	var hosts []HostModel
	if err := bdb.NewSelect().Model(&hosts).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export hosts: %w", MapDBError(err))
	}
	for _, h := range hosts {
		backup.Hosts = append(backup.Hosts, hostModelToModel(h))
	}

	var users []UserModel
	if err := bdb.NewSelect().Model(&users).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export users: %w", MapDBError(err))
	}
	for _, u := range users {
		backup.Users = append(backup.Users, model.User{ID: u.ID, Username: u.Username, Status: u.Status})
	}

	var keys []SSHKeyModel
	if err := bdb.NewSelect().Model(&keys).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export ssh keys: %w", MapDBError(err))
	}
	for _, k := range keys {
		backup.SSHKeys = append(backup.SSHKeys, sshKeyModelToModel(k))
	}

	var mappings []MappingModel
	if err := bdb.NewSelect().Model(&mappings).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export mappings: %w", MapDBError(err))
	}
	for _, m := range mappings {
		backup.Mappings = append(backup.Mappings, mappingModelToModel(m))
	}

	var items []QueueItemModel
	if err := bdb.NewSelect().Model(&items).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export queue items: %w", MapDBError(err))
	}
	for _, q := range items {
		backup.QueueItems = append(backup.QueueItems, queueItemModelToModel(q))
	}

	var deployments []DeploymentModel
	if err := bdb.NewSelect().Model(&deployments).Order("started_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export deployments: %w", MapDBError(err))
	}
	for _, d := range deployments {
		backup.Deployments = append(backup.Deployments, deploymentModelToModel(d))
	}

	var known []KnownHostModel
	if err := bdb.NewSelect().Model(&known).Order("hostname ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export known hosts: %w", MapDBError(err))
	}
	for _, kh := range known {
		backup.KnownHosts = append(backup.KnownHosts, model.KnownHost{Hostname: kh.Hostname, Key: kh.Key})
	}

	return backup, nil
}

// ImportDataFromBackupBun replaces all engine tables with the backup's
// contents inside a single transaction.
func ImportDataFromBackupBun(bdb *bun.DB, backup *model.BackupData) error {
	if backup == nil {
		return fmt.Errorf("backup payload is nil")
	}
	if backup.SchemaVersion > BackupSchemaVersion {
		return fmt.Errorf("backup schema version %d is newer than supported version %d", backup.SchemaVersion, BackupSchemaVersion)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	return bdb.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Delete children before parents to respect foreign keys.
		for _, m := range []any{
			(*DeploymentModel)(nil),
			(*QueueItemModel)(nil),
			(*MappingModel)(nil),
			(*SSHKeyModel)(nil),
			(*UserModel)(nil),
			(*HostModel)(nil),
			(*KnownHostModel)(nil),
		} {
			if _, err := tx.NewDelete().Model(m).Where("1=1").Exec(ctx); err != nil {
				return fmt.Errorf("failed to clear table during import: %w", MapDBError(err))
			}
		}

		for _, h := range backup.Hosts {
			row := hostModelFromModel(h)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import host %s: %w", h.Hostname, MapDBError(err))
			}
		}
		for _, u := range backup.Users {
			row := UserModel{ID: u.ID, Username: u.Username, Status: u.Status}
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import user %s: %w", u.Username, MapDBError(err))
			}
		}
		for _, k := range backup.SSHKeys {
			row := sshKeyModelFromModel(k)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import ssh key %s: %w", k.Fingerprint, MapDBError(err))
			}
		}
		for _, m := range backup.Mappings {
			row := mappingModelFromModel(m)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import mapping %d: %w", m.ID, MapDBError(err))
			}
		}
		for _, q := range backup.QueueItems {
			row := queueItemModelFromModel(q)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import queue item %s: %w", q.ID, MapDBError(err))
			}
		}
		for _, d := range backup.Deployments {
			row := deploymentModelFromModel(d)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import deployment %s: %w", d.ID, MapDBError(err))
			}
		}
		for _, kh := range backup.KnownHosts {
			row := KnownHostModel{Hostname: kh.Hostname, Key: kh.Key}
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to import known host %s: %w", kh.Hostname, MapDBError(err))
			}
		}
		return nil
	})
}
