package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const databaseKeyName = "database-key"

// Manager stores process secrets in the system keyring, scoped under
// one service name.
type Manager struct {
	service string
	logger  *zap.Logger
}

func NewManager(service string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		service: service,
		logger:  logger.With(zap.String("component", "secrets")),
	}
}

// DatabaseKey returns the encryption key for the job store, generating
// and persisting a fresh one on first use.
func (m *Manager) DatabaseKey() (string, error) {
	key, err := keyring.Get(m.service, databaseKeyName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("read database key from keyring: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate database key: %w", err)
	}
	key = hex.EncodeToString(raw)

	if err := keyring.Set(m.service, databaseKeyName, key); err != nil {
		return "", fmt.Errorf("store database key in keyring: %w", err)
	}
	m.logger.Info("database key generated and stored in keyring")
	return key, nil
}

// SavePassword stores one connection's password under its id.
func (m *Manager) SavePassword(connectionID, password string) error {
	if connectionID == "" {
		return fmt.Errorf("connection id cannot be empty")
	}
	if err := keyring.Set(m.service, connectionID, password); err != nil {
		return fmt.Errorf("store password in keyring: %w", err)
	}
	return nil
}

// LoadPassword retrieves one connection's password.
func (m *Manager) LoadPassword(connectionID string) (string, error) {
	if connectionID == "" {
		return "", fmt.Errorf("connection id cannot be empty")
	}
	password, err := keyring.Get(m.service, connectionID)
	if err != nil {
		return "", fmt.Errorf("load password from keyring: %w", err)
	}
	return password, nil
}

// DeletePassword removes one connection's password. Missing entries
// are not an error.
func (m *Manager) DeletePassword(connectionID string) error {
	err := keyring.Delete(m.service, connectionID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete password from keyring: %w", err)
	}
	return nil
}
