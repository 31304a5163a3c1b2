// Package storage provides SQLite persistence with SQLCipher
// encryption for connections and job records. Engines depend only on
// the Store interface.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound        = errors.New("record not found")
	ErrConnectionInUse = errors.New("connection is referenced by existing jobs")
)

// TransferJobFilter narrows ListTransferJobs. Zero values match all.
type TransferJobFilter struct {
	OwnerID string
	Status  string
}

// SyncJobFilter narrows ListSyncJobs. Zero values match all.
type SyncJobFilter struct {
	OwnerID     string
	EnabledOnly bool
}

// Store is the persistence contract the engines and the scheduler
// program against.
type Store interface {
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id, ownerID string) (*Connection, error)
	ListConnections(ctx context.Context, ownerID string) ([]*Connection, error)
	UpdateConnection(ctx context.Context, conn *Connection) error
	// DeleteConnection fails with ErrConnectionInUse while any job
	// still references the connection.
	DeleteConnection(ctx context.Context, id, ownerID string) error

	CreateTransferJob(ctx context.Context, job *TransferJob) error
	GetTransferJob(ctx context.Context, id, ownerID string) (*TransferJob, error)
	ListTransferJobs(ctx context.Context, filter TransferJobFilter) ([]*TransferJob, error)
	UpdateTransferJob(ctx context.Context, job *TransferJob) error
	DeleteTransferJob(ctx context.Context, id, ownerID string) error

	CreateSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, id, ownerID string) (*SyncJob, error)
	ListSyncJobs(ctx context.Context, filter SyncJobFilter) ([]*SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *SyncJob) error
	DeleteSyncJob(ctx context.Context, id, ownerID string) error

	Close() error
}
