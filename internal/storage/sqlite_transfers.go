package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateTransferJob inserts a new transfer job record.
func (s *SQLiteStore) CreateTransferJob(ctx context.Context, job *TransferJob) error {
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
		INSERT INTO transfer_jobs (
			id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			status, filter, options,
			files_total, files_completed, files_failed,
			bytes_total, bytes_transferred, speed_bps, eta_seconds,
			error_message, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.OwnerID, job.SourceConnID, job.DestConnID, job.SourcePath, job.DestPath,
		job.Status, filter, opts,
		job.FilesTotal, job.FilesCompleted, job.FilesFailed,
		job.BytesTotal, job.BytesTransferred, job.SpeedBps, job.ETASeconds,
		job.ErrorMessage, now.Unix(), unixOrNull(job.StartedAt), unixOrNull(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer job: %w", err)
	}

	job.CreatedAt = time.Unix(now.Unix(), 0)
	return nil
}

// GetTransferJob retrieves a transfer job by id scoped to its owner.
func (s *SQLiteStore) GetTransferJob(ctx context.Context, id, ownerID string) (*TransferJob, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			   status, filter, options,
			   files_total, files_completed, files_failed,
			   bytes_total, bytes_transferred, speed_bps, eta_seconds,
			   error_message, created_at, started_at, completed_at
		FROM transfer_jobs
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	job, err := scanTransferJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer job: %w", err)
	}
	return job, nil
}

// ListTransferJobs retrieves transfer jobs matching the filter,
// newest first.
func (s *SQLiteStore) ListTransferJobs(ctx context.Context, filter TransferJobFilter) ([]*TransferJob, error) {
	query := `
		SELECT id, owner_id, source_conn_id, dest_conn_id, source_path, dest_path,
			   status, filter, options,
			   files_total, files_completed, files_failed,
			   bytes_total, bytes_transferred, speed_bps, eta_seconds,
			   error_message, created_at, started_at, completed_at
		FROM transfer_jobs`

	var clauses []string
	var args []any
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfer jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*TransferJob
	for rows.Next() {
		job, err := scanTransferJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer jobs: %w", err)
	}
	return jobs, nil
}

// UpdateTransferJob updates an existing transfer job record.
func (s *SQLiteStore) UpdateTransferJob(ctx context.Context, job *TransferJob) error {
	filter, err := encodeFilter(job.Filter)
	if err != nil {
		return err
	}
	opts, err := marshalJSON(job.Options)
	if err != nil {
		return err
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE transfer_jobs SET
			source_conn_id = ?, dest_conn_id = ?, source_path = ?, dest_path = ?,
			status = ?, filter = ?, options = ?,
			files_total = ?, files_completed = ?, files_failed = ?,
			bytes_total = ?, bytes_transferred = ?, speed_bps = ?, eta_seconds = ?,
			error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND owner_id = ?
	`,
		job.SourceConnID, job.DestConnID, job.SourcePath, job.DestPath,
		job.Status, filter, opts,
		job.FilesTotal, job.FilesCompleted, job.FilesFailed,
		job.BytesTotal, job.BytesTransferred, job.SpeedBps, job.ETASeconds,
		job.ErrorMessage, unixOrNull(job.StartedAt), unixOrNull(job.CompletedAt),
		job.ID, job.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update transfer job: %w", err)
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

// DeleteTransferJob deletes a transfer job by id scoped to its owner.
func (s *SQLiteStore) DeleteTransferJob(ctx context.Context, id, ownerID string) error {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM transfer_jobs WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete transfer job: %w", err)
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

func scanTransferJob(row rowScanner) (*TransferJob, error) {
	var job TransferJob
	var filter sql.NullString
	var opts string
	var errMsg sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.OwnerID, &job.SourceConnID, &job.DestConnID, &job.SourcePath, &job.DestPath,
		&job.Status, &filter, &opts,
		&job.FilesTotal, &job.FilesCompleted, &job.FilesFailed,
		&job.BytesTotal, &job.BytesTransferred, &job.SpeedBps, &job.ETASeconds,
		&errMsg, &createdAt, &startedAt, &completedAt,
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

	if errMsg.Valid {
		job.ErrorMessage = errMsg.String
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.StartedAt = timeFromUnix(startedAt)
	job.CompletedAt = timeFromUnix(completedAt)
	return &job, nil
}
