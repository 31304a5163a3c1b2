// Package transfer implements one-shot directed copy jobs between two
// providers: a relay that streams every file from source to
// destination without staging.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

// Sentinel errors surfaced to callers before a job reaches "running".
var (
	ErrJobActive    = errors.New("job already has an active execution")
	ErrCapacity     = errors.New("max concurrent transfers reached")
	ErrJobNotActive = errors.New("job has no active execution")
	ErrJobTerminal  = errors.New("job is in a terminal status")
	ErrNotStartable = errors.New("job is not in a startable status")
)

// Config holds the engine knobs.
type Config struct {
	MaxConcurrent int
	ProgressEvery time.Duration
	ProgressFiles int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		ProgressEvery: 2 * time.Second,
		ProgressFiles: 10,
	}
}

// Progress is a point-in-time snapshot of one job's execution.
type Progress struct {
	JobID            string  `json:"jobId"`
	Status           string  `json:"status"`
	FilesTotal       int64   `json:"filesTotal"`
	FilesCompleted   int64   `json:"filesCompleted"`
	FilesFailed      int64   `json:"filesFailed"`
	BytesTotal       int64   `json:"bytesTotal"`
	BytesTransferred int64   `json:"bytesTransferred"`
	SpeedBps         float64 `json:"speedBps"`
	ETASeconds       int64   `json:"etaSeconds"`
	Percent          int     `json:"percent"`
}

// control signals requested by Pause/Cancel, observed between files.
const (
	ctlRun int32 = iota
	ctlPause
	ctlCancel
)

// execution is the in-memory state of one active run.
type execution struct {
	job    *storage.TransferJob
	cancel context.CancelFunc
	signal atomic.Int32

	startedAt        time.Time
	filesTotal       atomic.Int64
	filesCompleted   atomic.Int64
	filesFailed      atomic.Int64
	bytesTotal       atomic.Int64
	bytesTransferred atomic.Int64
}

func (e *execution) snapshot(status string) Progress {
	p := Progress{
		JobID:            e.job.ID,
		Status:           status,
		FilesTotal:       e.filesTotal.Load(),
		FilesCompleted:   e.filesCompleted.Load(),
		FilesFailed:      e.filesFailed.Load(),
		BytesTotal:       e.bytesTotal.Load(),
		BytesTransferred: e.bytesTransferred.Load(),
	}
	elapsed := time.Since(e.startedAt).Seconds()
	if elapsed > 0 {
		p.SpeedBps = float64(p.BytesTransferred) / elapsed
	}
	if p.SpeedBps > 0 {
		p.ETASeconds = int64(float64(p.BytesTotal-p.BytesTransferred) / p.SpeedBps)
	}
	if p.FilesTotal > 0 {
		p.Percent = (&storage.TransferJob{
			FilesCompleted: p.FilesCompleted,
			FilesTotal:     p.FilesTotal,
		}).ProgressPercent()
	}
	return p
}

// Engine owns transfer job records and their executions. At most one
// execution exists per job id, and at most Config.MaxConcurrent run at
// once.
type Engine struct {
	store    storage.Store
	registry *provider.Registry
	bus      *event.Bus
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*execution

	wg sync.WaitGroup
}

// NewEngine creates a transfer engine.
func NewEngine(store storage.Store, registry *provider.Registry, bus *event.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultConfig().ProgressEvery
	}
	if cfg.ProgressFiles <= 0 {
		cfg.ProgressFiles = DefaultConfig().ProgressFiles
	}
	return &Engine{
		store:    store,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.Named("transfer"),
		active:   make(map[string]*execution),
	}
}

// Create validates and persists a new transfer job in pending status.
func (e *Engine) Create(ctx context.Context, job *storage.TransferJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = storage.StatusPending

	var err error
	if job.SourcePath, err = provider.NormalizePath(job.SourcePath); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if job.DestPath, err = provider.NormalizePath(job.DestPath); err != nil {
		return fmt.Errorf("invalid destination path: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	for _, connID := range []string{job.SourceConnID, job.DestConnID} {
		conn, err := e.store.GetConnection(ctx, connID, job.OwnerID)
		if err != nil {
			return fmt.Errorf("connection %s: %w", connID, err)
		}
		if !e.registry.IsSupported(conn.Type) {
			return fmt.Errorf("connection %s has unsupported backend type %q", connID, conn.Type)
		}
	}

	if err := e.store.CreateTransferJob(ctx, job); err != nil {
		return err
	}
	e.publish(event.TypeJobCreated, job.OwnerID, job.ID, nil)
	return nil
}

// Get returns a job record.
func (e *Engine) Get(ctx context.Context, id, ownerID string) (*storage.TransferJob, error) {
	return e.store.GetTransferJob(ctx, id, ownerID)
}

// List returns job records matching the filter.
func (e *Engine) List(ctx context.Context, filter storage.TransferJobFilter) ([]*storage.TransferJob, error) {
	return e.store.ListTransferJobs(ctx, filter)
}

// Update persists caller-editable fields. Rejected while the job has
// an active execution.
func (e *Engine) Update(ctx context.Context, job *storage.TransferJob) error {
	e.mu.Lock()
	_, running := e.active[job.ID]
	e.mu.Unlock()
	if running {
		return ErrJobActive
	}

	current, err := e.store.GetTransferJob(ctx, job.ID, job.OwnerID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return ErrJobTerminal
	}

	if job.SourcePath, err = provider.NormalizePath(job.SourcePath); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if job.DestPath, err = provider.NormalizePath(job.DestPath); err != nil {
		return fmt.Errorf("invalid destination path: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	// Counters and status belong to the execution, not the caller.
	job.Status = current.Status
	job.FilesTotal = current.FilesTotal
	job.FilesCompleted = current.FilesCompleted
	job.FilesFailed = current.FilesFailed
	job.BytesTotal = current.BytesTotal
	job.BytesTransferred = current.BytesTransferred

	if err := e.store.UpdateTransferJob(ctx, job); err != nil {
		return err
	}
	e.publish(event.TypeJobUpdated, job.OwnerID, job.ID, nil)
	return nil
}

// Delete removes a job record. Rejected while an execution is active.
func (e *Engine) Delete(ctx context.Context, id, ownerID string) error {
	e.mu.Lock()
	_, running := e.active[id]
	e.mu.Unlock()
	if running {
		return ErrJobActive
	}
	return e.store.DeleteTransferJob(ctx, id, ownerID)
}

// Start begins executing a pending or paused job. Fails with
// ErrJobActive if the id already has an execution and ErrCapacity when
// the engine is at its concurrency cap.
func (e *Engine) Start(ctx context.Context, id, ownerID string) error {
	job, err := e.store.GetTransferJob(ctx, id, ownerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.active[id]; exists {
		e.mu.Unlock()
		return ErrJobActive
	}
	if job.Status != storage.StatusPending && job.Status != storage.StatusPaused {
		e.mu.Unlock()
		if job.Terminal() {
			return ErrJobTerminal
		}
		return ErrNotStartable
	}
	if len(e.active) >= e.cfg.MaxConcurrent {
		e.mu.Unlock()
		return ErrCapacity
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// Each run relays the full file set, so progress counters start
	// from zero even when resuming a paused job.
	exec := &execution{job: job, cancel: cancel, startedAt: time.Now()}
	job.FilesCompleted = 0
	job.FilesFailed = 0
	job.BytesTransferred = 0
	e.active[id] = exec
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, exec)

		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()
	return nil
}

// Pause requests a cooperative pause, honored between files.
func (e *Engine) Pause(id, ownerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[id]
	if !ok || exec.job.OwnerID != ownerID {
		return ErrJobNotActive
	}
	exec.signal.CompareAndSwap(ctlRun, ctlPause)
	return nil
}

// Resume restarts a paused job. Same capacity and conflict rules as
// Start.
func (e *Engine) Resume(ctx context.Context, id, ownerID string) error {
	job, err := e.store.GetTransferJob(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if job.Status != storage.StatusPaused {
		return fmt.Errorf("job %s is not paused", id)
	}
	return e.Start(ctx, id, ownerID)
}

// Cancel requests cancellation of an active execution.
func (e *Engine) Cancel(id, ownerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[id]
	if !ok || exec.job.OwnerID != ownerID {
		return ErrJobNotActive
	}
	exec.signal.Store(ctlCancel)
	exec.cancel()
	return nil
}

// Progress returns a live snapshot for an active job, or the persisted
// counters otherwise.
func (e *Engine) Progress(ctx context.Context, id, ownerID string) (Progress, error) {
	e.mu.Lock()
	exec, ok := e.active[id]
	e.mu.Unlock()
	if ok && exec.job.OwnerID == ownerID {
		return exec.snapshot(storage.StatusRunning), nil
	}

	job, err := e.store.GetTransferJob(ctx, id, ownerID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		JobID:            job.ID,
		Status:           job.Status,
		FilesTotal:       job.FilesTotal,
		FilesCompleted:   job.FilesCompleted,
		FilesFailed:      job.FilesFailed,
		BytesTotal:       job.BytesTotal,
		BytesTransferred: job.BytesTransferred,
		SpeedBps:         job.SpeedBps,
		ETASeconds:       job.ETASeconds,
		Percent:          job.ProgressPercent(),
	}, nil
}

// ActiveCount returns the number of running executions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until all executions have finished. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publish(eventType, ownerID, jobID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{
		Type:    eventType,
		OwnerID: ownerID,
		JobID:   jobID,
		Payload: payload,
	})
}
