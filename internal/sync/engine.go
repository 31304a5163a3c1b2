package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

var (
	ErrJobActive   = errors.New("sync job already has an active execution")
	ErrCapacity    = errors.New("maximum concurrent sync executions reached")
	ErrJobDisabled = errors.New("sync job is disabled")
	ErrNotRunning  = errors.New("sync job has no active execution")
)

// Config tunes the sync engine.
type Config struct {
	MaxConcurrent int
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 3}
}

// Engine owns sync job records, their schedule triggers, and their
// executions. At most one execution exists per job id.
type Engine struct {
	store    storage.Store
	registry *provider.Registry
	bus      *event.Bus
	sched    *Scheduler
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]activeRun
	wg     sync.WaitGroup
}

// activeRun keys a live execution to its owner so control operations
// stay owner-scoped like the store reads.
type activeRun struct {
	ownerID string
	cancel  context.CancelFunc
}

func NewEngine(store storage.Store, registry *provider.Registry, bus *event.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	e := &Engine{
		store:    store,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.Named("sync"),
		active:   make(map[string]activeRun),
	}
	e.sched = NewScheduler(e.triggered, logger)
	return e
}

// Scheduler exposes the engine's trigger registry so callers can run
// and stop the cron loop with the rest of the process lifecycle.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// triggered is the scheduler callback for a fired trigger.
func (e *Engine) triggered(jobID, ownerID string) {
	ctx := context.Background()
	job, err := e.store.GetSyncJob(ctx, jobID, ownerID)
	if err == nil && !job.Enabled {
		// The trigger removal and the row update are not atomic, so a
		// stale trigger can still fire for a disabled job.
		err = ErrJobDisabled
	}
	if err == nil {
		err = e.Start(ctx, jobID, ownerID)
	}
	if err != nil {
		e.logger.Warn("scheduled run not started",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// Create validates and persists a new sync job, registering its
// trigger when it is enabled and scheduled.
func (e *Engine) Create(ctx context.Context, job *storage.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Mode == "" {
		job.Mode = storage.ModeOneWay
	}
	if job.ConflictPolicy == "" {
		job.ConflictPolicy = storage.ConflictSkip
	}

	var err error
	job.SourcePath, err = provider.NormalizePath(job.SourcePath)
	if err != nil {
		return fmt.Errorf("source path: %w", err)
	}
	job.DestPath, err = provider.NormalizePath(job.DestPath)
	if err != nil {
		return fmt.Errorf("destination path: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if err := e.checkConnections(ctx, job); err != nil {
		return err
	}
	if err := e.applySchedule(job); err != nil {
		return err
	}

	if err := e.store.CreateSyncJob(ctx, job); err != nil {
		e.sched.Unschedule(job.ID)
		return fmt.Errorf("persist sync job: %w", err)
	}
	e.publish(event.TypeJobCreated, job.OwnerID, job.ID)
	e.logger.Info("sync job created",
		zap.String("job_id", job.ID),
		zap.String("mode", job.Mode),
		zap.String("schedule", job.Schedule))
	return nil
}

func (e *Engine) checkConnections(ctx context.Context, job *storage.SyncJob) error {
	for _, connID := range []string{job.SourceConnID, job.DestConnID} {
		conn, err := e.store.GetConnection(ctx, connID, job.OwnerID)
		if err != nil {
			return fmt.Errorf("connection %s: %w", connID, err)
		}
		if !e.registry.IsSupported(conn.Type) {
			return provider.Errorf(provider.ErrKindUnsupported,
				"backend type %q is not registered", conn.Type)
		}
	}
	return nil
}

// applySchedule re-derives the trigger and NextRunAt from the job's
// schedule and enabled flag. A disabled or unscheduled job keeps no
// trigger and no next-run time.
func (e *Engine) applySchedule(job *storage.SyncJob) error {
	if !job.Enabled || job.Schedule == "" {
		e.sched.Unschedule(job.ID)
		job.NextRunAt = nil
		return nil
	}
	next, err := NextRun(job.Schedule, time.Now())
	if err != nil {
		return err
	}
	if err := e.sched.Schedule(job.ID, job.OwnerID, job.Schedule); err != nil {
		return err
	}
	job.NextRunAt = &next
	return nil
}

func (e *Engine) Get(ctx context.Context, id, ownerID string) (*storage.SyncJob, error) {
	return e.store.GetSyncJob(ctx, id, ownerID)
}

func (e *Engine) List(ctx context.Context, filter storage.SyncJobFilter) ([]*storage.SyncJob, error) {
	return e.store.ListSyncJobs(ctx, filter)
}

// Update rewrites a job's definition and re-derives its trigger.
// Rejected while the job has an active execution.
func (e *Engine) Update(ctx context.Context, job *storage.SyncJob) error {
	if e.isActive(job.ID) {
		return ErrJobActive
	}
	current, err := e.store.GetSyncJob(ctx, job.ID, job.OwnerID)
	if err != nil {
		return err
	}

	job.SourcePath, err = provider.NormalizePath(job.SourcePath)
	if err != nil {
		return fmt.Errorf("source path: %w", err)
	}
	job.DestPath, err = provider.NormalizePath(job.DestPath)
	if err != nil {
		return fmt.Errorf("destination path: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if err := e.checkConnections(ctx, job); err != nil {
		return err
	}

	// Run history belongs to the engine, not the caller.
	job.LastRunAt = current.LastRunAt
	job.LastOutcome = current.LastOutcome
	job.CreatedAt = current.CreatedAt

	if err := e.applySchedule(job); err != nil {
		return err
	}
	if err := e.store.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("persist sync job: %w", err)
	}
	e.publish(event.TypeJobUpdated, job.OwnerID, job.ID)
	return nil
}

// Toggle flips the enabled flag and re-derives the trigger.
func (e *Engine) Toggle(ctx context.Context, id, ownerID string, enabled bool) error {
	job, err := e.store.GetSyncJob(ctx, id, ownerID)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if err := e.applySchedule(job); err != nil {
		return err
	}
	if err := e.store.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("persist sync job: %w", err)
	}
	e.publish(event.TypeJobUpdated, ownerID, id)
	return nil
}

// Delete removes a job and its trigger. Rejected while active.
func (e *Engine) Delete(ctx context.Context, id, ownerID string) error {
	if e.isActive(id) {
		return ErrJobActive
	}
	e.sched.Unschedule(id)
	return e.store.DeleteSyncJob(ctx, id, ownerID)
}

// Start runs one reconciliation pass. The same entry point serves
// manual runs and scheduler triggers.
func (e *Engine) Start(ctx context.Context, id, ownerID string) error {
	job, err := e.store.GetSyncJob(ctx, id, ownerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.active[id]; exists {
		e.mu.Unlock()
		return ErrJobActive
	}
	if len(e.active) >= e.cfg.MaxConcurrent {
		e.mu.Unlock()
		return ErrCapacity
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.active[id] = activeRun{ownerID: job.OwnerID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, job)

		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()
	return nil
}

// Stop cancels the job's active execution.
func (e *Engine) Stop(id, ownerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.active[id]
	if !ok || run.ownerID != ownerID {
		return ErrNotRunning
	}
	run.cancel()
	return nil
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// Wait blocks until all active executions finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publish(eventType, ownerID, jobID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{
		Type:    eventType,
		OwnerID: ownerID,
		JobID:   jobID,
		Lane:    "sync",
	})
}
