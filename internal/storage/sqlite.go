package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on an encrypted SQLite database.
type SQLiteStore struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Config contains database configuration.
type Config struct {
	Path          string
	EncryptionKey string // SQLCipher key, from the keystore or env
}

// Open opens or creates an encrypted SQLite database and applies the
// schema.
func Open(cfg Config, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma_key=%s&_pragma_cipher_page_size=4096&_foreign_keys=on",
		cfg.Path, cfg.EncryptionKey)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{
		conn:   conn,
		path:   cfg.Path,
		logger: logger.Named("storage"),
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		s.Close()
		return nil, fmt.Errorf("schema version check failed: %w", err)
	}

	s.logger.Info("database opened", zap.String("path", cfg.Path))
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// HealthCheck verifies the database is accessible.
func (s *SQLiteStore) HealthCheck() error {
	return s.conn.Ping()
}

func (s *SQLiteStore) checkSchemaVersion() error {
	var version string
	err := s.conn.QueryRow("SELECT value FROM db_metadata WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == "" {
		return fmt.Errorf("invalid schema version")
	}
	return nil
}

// Transaction executes a function within a transaction.
func (s *SQLiteStore) Transaction(fn func(*sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMetadata retrieves a metadata value from the database.
func (s *SQLiteStore) GetMetadata(key string) (string, error) {
	var value string
	err := s.conn.QueryRow("SELECT value FROM db_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("metadata '%s' not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata: %w", err)
	}
	return value, nil
}

// SetMetadata sets a metadata value in the database.
func (s *SQLiteStore) SetMetadata(key, value string) error {
	_, err := s.conn.Exec(`
		INSERT INTO db_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// unixOrNull converts an optional timestamp for storage as unix
// seconds.
func unixOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// marshalJSON serializes a sub-object for an opaque TEXT column.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}
