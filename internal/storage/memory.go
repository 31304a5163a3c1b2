package storage

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used by tests and by deployments
// that do not need persistence across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	transfers map[string]*TransferJob
	syncs     map[string]*SyncJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:     make(map[string]*Connection),
		transfers: make(map[string]*TransferJob),
		syncs:     make(map[string]*SyncJob),
	}
}

// CreateConnection implements Store.
func (m *MemoryStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	cp := *conn
	m.conns[conn.ID] = &cp
	return nil
}

// GetConnection implements Store.
func (m *MemoryStore) GetConnection(ctx context.Context, id, ownerID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok || conn.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

// ListConnections implements Store.
func (m *MemoryStore) ListConnections(ctx context.Context, ownerID string) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var conns []*Connection
	for _, conn := range m.conns {
		if conn.OwnerID == ownerID {
			cp := *conn
			conns = append(conns, &cp)
		}
	}
	return conns, nil
}

// UpdateConnection implements Store.
func (m *MemoryStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conns[conn.ID]
	if !ok || existing.OwnerID != conn.OwnerID {
		return ErrNotFound
	}
	conn.UpdatedAt = time.Now()
	cp := *conn
	m.conns[conn.ID] = &cp
	return nil
}

// DeleteConnection implements Store.
func (m *MemoryStore) DeleteConnection(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok || conn.OwnerID != ownerID {
		return ErrNotFound
	}
	for _, job := range m.transfers {
		if job.SourceConnID == id || job.DestConnID == id {
			return ErrConnectionInUse
		}
	}
	for _, job := range m.syncs {
		if job.SourceConnID == id || job.DestConnID == id {
			return ErrConnectionInUse
		}
	}
	delete(m.conns, id)
	return nil
}

// CreateTransferJob implements Store.
func (m *MemoryStore) CreateTransferJob(ctx context.Context, job *TransferJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now()
	cp := *job
	m.transfers[job.ID] = &cp
	return nil
}

// GetTransferJob implements Store.
func (m *MemoryStore) GetTransferJob(ctx context.Context, id, ownerID string) (*TransferJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.transfers[id]
	if !ok || job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListTransferJobs implements Store.
func (m *MemoryStore) ListTransferJobs(ctx context.Context, filter TransferJobFilter) ([]*TransferJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*TransferJob
	for _, job := range m.transfers {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

// UpdateTransferJob implements Store.
func (m *MemoryStore) UpdateTransferJob(ctx context.Context, job *TransferJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transfers[job.ID]
	if !ok || existing.OwnerID != job.OwnerID {
		return ErrNotFound
	}
	cp := *job
	m.transfers[job.ID] = &cp
	return nil
}

// DeleteTransferJob implements Store.
func (m *MemoryStore) DeleteTransferJob(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.transfers[id]
	if !ok || job.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.transfers, id)
	return nil
}

// CreateSyncJob implements Store.
func (m *MemoryStore) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.syncs[job.ID] = &cp
	return nil
}

// GetSyncJob implements Store.
func (m *MemoryStore) GetSyncJob(ctx context.Context, id, ownerID string) (*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.syncs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListSyncJobs implements Store.
func (m *MemoryStore) ListSyncJobs(ctx context.Context, filter SyncJobFilter) ([]*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*SyncJob
	for _, job := range m.syncs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.EnabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

// UpdateSyncJob implements Store.
func (m *MemoryStore) UpdateSyncJob(ctx context.Context, job *SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.syncs[job.ID]
	if !ok || existing.OwnerID != job.OwnerID {
		return ErrNotFound
	}
	job.UpdatedAt = time.Now()
	cp := *job
	m.syncs[job.ID] = &cp
	return nil
}

// DeleteSyncJob implements Store.
func (m *MemoryStore) DeleteSyncJob(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.syncs[id]
	if !ok || job.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.syncs, id)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
