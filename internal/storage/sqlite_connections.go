package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coralsync/coralsync/internal/provider"
)

// CreateConnection inserts a new connection record.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}

	creds, err := marshalJSON(conn.Credentials)
	if err != nil {
		return err
	}
	cfg, err := marshalJSON(conn.Config)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO connections (
			id, owner_id, type, alias, credentials, config,
			status, error_message, last_contact_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conn.ID, conn.OwnerID, conn.Type, conn.Alias, creds, cfg,
		conn.Status, conn.ErrorMessage, unixOrNull(conn.LastContactAt),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}

	conn.CreatedAt = time.Unix(now.Unix(), 0)
	conn.UpdatedAt = conn.CreatedAt
	return nil
}

// GetConnection retrieves a connection by id scoped to its owner.
func (s *SQLiteStore) GetConnection(ctx context.Context, id, ownerID string) (*Connection, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, type, alias, credentials, config,
			   status, error_message, last_contact_at, created_at, updated_at
		FROM connections
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// ListConnections retrieves all connections for an owner, ordered by
// alias.
func (s *SQLiteStore) ListConnections(ctx context.Context, ownerID string) ([]*Connection, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, type, alias, credentials, config,
			   status, error_message, last_contact_at, created_at, updated_at
		FROM connections
		WHERE owner_id = ?
		ORDER BY alias ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

// UpdateConnection updates an existing connection record.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}

	creds, err := marshalJSON(conn.Credentials)
	if err != nil {
		return err
	}
	cfg, err := marshalJSON(conn.Config)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := s.conn.ExecContext(ctx, `
		UPDATE connections SET
			type = ?, alias = ?, credentials = ?, config = ?,
			status = ?, error_message = ?, last_contact_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`,
		conn.Type, conn.Alias, creds, cfg,
		conn.Status, conn.ErrorMessage, unixOrNull(conn.LastContactAt),
		now.Unix(), conn.ID, conn.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	conn.UpdatedAt = time.Unix(now.Unix(), 0)
	return nil
}

// DeleteConnection deletes a connection unless a job still references
// it.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id, ownerID string) error {
	var refs int
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transfer_jobs WHERE source_conn_id = ? OR dest_conn_id = ?) +
			(SELECT COUNT(*) FROM sync_jobs WHERE source_conn_id = ? OR dest_conn_id = ?)
	`, id, id, id, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("count connection references: %w", err)
	}
	if refs > 0 {
		return ErrConnectionInUse
	}

	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM connections WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var creds, cfg string
	var errMsg sql.NullString
	var lastContact sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&conn.ID, &conn.OwnerID, &conn.Type, &conn.Alias, &creds, &cfg,
		&conn.Status, &errMsg, &lastContact, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(creds), &conn.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &conn.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if errMsg.Valid {
		conn.ErrorMessage = errMsg.String
	}
	conn.LastContactAt = timeFromUnix(lastContact)
	conn.CreatedAt = time.Unix(createdAt, 0)
	conn.UpdatedAt = time.Unix(updatedAt, 0)
	return &conn, nil
}

// decodeFilter decodes an optional JSON filter column.
func decodeFilter(v sql.NullString) (*provider.Filter, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var f provider.Filter
	if err := json.Unmarshal([]byte(v.String), &f); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return &f, nil
}

// encodeFilter encodes an optional filter for its JSON column.
func encodeFilter(f *provider.Filter) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalJSON(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}
