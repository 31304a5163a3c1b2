package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateSyncJob inserts a new sync job record.
func (s *SQLiteStore) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	filter, err := encodeFilter(job.Filter)
	if err != nil {
		return err
	}
	opts, err := marshalJSON(job.Options)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sync_jobs (
			id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			mode, schedule, enabled, conflict_policy, filter, options,
			last_run_at, next_run_at, last_outcome, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.OwnerID, job.SourceConnID, job.DestConnID, job.SourcePath, job.DestPath,
		job.Mode, job.Schedule, job.Enabled, job.ConflictPolicy, filter, opts,
		unixOrNull(job.LastRunAt), unixOrNull(job.NextRunAt), job.LastOutcome,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}

	job.CreatedAt = time.Unix(now.Unix(), 0)
	job.UpdatedAt = job.CreatedAt
	return nil
}

// GetSyncJob retrieves a sync job by id scoped to its owner.
func (s *SQLiteStore) GetSyncJob(ctx context.Context, id, ownerID string) (*SyncJob, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			   mode, schedule, enabled, conflict_policy, filter, options,
			   last_run_at, next_run_at, last_outcome, created_at, updated_at
		FROM sync_jobs
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return job, nil
}

// ListSyncJobs retrieves sync jobs matching the filter, ordered by
// creation time.
func (s *SQLiteStore) ListSyncJobs(ctx context.Context, filter SyncJobFilter) ([]*SyncJob, error) {
	query := `
		SELECT id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			   mode, schedule, enabled, conflict_policy, filter, options,
			   last_run_at, next_run_at, last_outcome, created_at, updated_at
		FROM sync_jobs`

	var clauses []string
	var args []any
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.EnabledOnly {
		clauses = append(clauses, "enabled = 1")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync jobs: %w", err)
	}
	return jobs, nil
}

// UpdateSyncJob updates an existing sync job record.
func (s *SQLiteStore) UpdateSyncJob(ctx context.Context, job *SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	filter, err := encodeFilter(job.Filter)
	if err != nil {
		return err
	}
	opts, err := marshalJSON(job.Options)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := s.conn.ExecContext(ctx, `
		UPDATE sync_jobs SET
			source_conn_id = ?, dest_conn_id = ?, source_path = ?, dest_path = ?,
			mode = ?, schedule = ?, enabled = ?, conflict_policy = ?,
			filter = ?, options = ?,
			last_run_at = ?, next_run_at = ?, last_outcome = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`,
		job.SourceConnID, job.DestConnID, job.SourcePath, job.DestPath,
		job.Mode, job.Schedule, job.Enabled, job.ConflictPolicy,
		filter, opts,
		unixOrNull(job.LastRunAt), unixOrNull(job.NextRunAt), job.LastOutcome,
		now.Unix(), job.ID, job.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	job.UpdatedAt = time.Unix(now.Unix(), 0)
	return nil
}

// DeleteSyncJob deletes a sync job by id scoped to its owner.
func (s *SQLiteStore) DeleteSyncJob(ctx context.Context, id, ownerID string) error {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM sync_jobs WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete sync job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSyncJob(row rowScanner) (*SyncJob, error) {
	var job SyncJob
	var schedule, outcome sql.NullString
	var filter sql.NullString
	var opts string
	var lastRun, nextRun sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID, &job.OwnerID, &job.SourceConnID, &job.DestConnID, &job.SourcePath, &job.DestPath,
		&job.Mode, &schedule, &job.Enabled, &job.ConflictPolicy, &filter, &opts,
		&lastRun, &nextRun, &outcome, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if job.Filter, err = decodeFilter(filter); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}

	if schedule.Valid {
		job.Schedule = schedule.String
	}
	if outcome.Valid {
		job.LastOutcome = outcome.String
	}
	job.LastRunAt = timeFromUnix(lastRun)
	job.NextRunAt = timeFromUnix(nextRun)
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}
