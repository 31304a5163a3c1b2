// Package queue is a multi-lane in-process job queue with per-lane
// concurrency caps, retry with exponential backoff, stall detection
// and lifecycle events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
)

// Lane names.
const (
	LaneTransfer = "transfer"
	LaneSync     = "sync"
	LaneCleanup  = "cleanup"
	LaneNotify   = "notify"
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Sentinel errors.
var (
	ErrUnknownLane  = errors.New("unknown lane")
	ErrDuplicateJob = errors.New("job with this id is already queued or active")
	ErrNoHandler    = errors.New("lane has no handler registered")
)

// Handler executes one unit of work. Implementations call report to
// prove liveness and to publish progress payloads; a handler silent
// for longer than the stall timeout is treated as stalled and its job
// requeued.
type Handler func(ctx context.Context, job *Job, report func(payload any)) error

// Job is one queued unit of work.
type Job struct {
	ID       string
	Lane     string
	OwnerID  string
	Priority int
	Payload  any

	State         string
	Attempts      int
	RunAt         time.Time
	EnqueuedAt    time.Time
	FinishedAt    time.Time
	LastError     string
	lastHeartbeat time.Time
	dispatch      uint64
}

// LaneConfig sets the concurrency and retry knobs for one lane.
type LaneConfig struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultLaneConfig returns the retry policy lanes start with.
func DefaultLaneConfig() LaneConfig {
	return LaneConfig{
		Workers:     2,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  2 * time.Minute,
	}
}

// Counts reports the per-lane job totals.
type Counts struct {
	Waiting   int
	Delayed   int
	Active    int
	Completed int
	Failed    int
}

type lane struct {
	name    string
	cfg     LaneConfig
	handler Handler
	paused  bool

	pending  []*Job          // waiting + delayed, scanned for the best due job
	active   map[string]*Job // keyed by job id
	terminal []*Job          // completed/failed, kept for Counts and Purge
	wake     chan struct{}
}

// Queue drives jobs through registered handlers.
type Queue struct {
	logger       *zap.Logger
	bus          *event.Bus
	stallTimeout time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	lanes    map[string]*lane
	started  bool
	stopped  bool
	dispatch uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithStallTimeout overrides the handler liveness timeout.
func WithStallTimeout(d time.Duration) Option {
	return func(q *Queue) { q.stallTimeout = d }
}

// New creates a queue with the four standard lanes.
func New(bus *event.Bus, laneConfigs map[string]LaneConfig, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		logger:       logger.Named("queue"),
		bus:          bus,
		stallTimeout: 2 * time.Minute,
		pollInterval: 100 * time.Millisecond,
		lanes:        make(map[string]*lane),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, name := range []string{LaneTransfer, LaneSync, LaneCleanup, LaneNotify} {
		cfg := DefaultLaneConfig()
		if c, ok := laneConfigs[name]; ok {
			if c.Workers > 0 {
				cfg.Workers = c.Workers
			}
			if c.MaxAttempts > 0 {
				cfg.MaxAttempts = c.MaxAttempts
			}
			if c.BaseBackoff > 0 {
				cfg.BaseBackoff = c.BaseBackoff
			}
			if c.MaxBackoff > 0 {
				cfg.MaxBackoff = c.MaxBackoff
			}
		}
		q.lanes[name] = &lane{
			name:   name,
			cfg:    cfg,
			active: make(map[string]*Job),
			wake:   make(chan struct{}, 1),
		}
	}
	return q
}

// SetHandler registers the handler a lane's workers invoke.
func (q *Queue) SetHandler(laneName string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	l.handler = h
	return nil
}

// Start launches the lane workers and the stall monitor.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	if q.stopped {
		return fmt.Errorf("queue has been stopped")
	}
	q.started = true

	for _, l := range q.lanes {
		for i := 0; i < l.cfg.Workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, l, i)
		}
	}
	q.wg.Add(1)
	go q.stallMonitor(ctx)

	q.logger.Info("queue started", zap.Int("lanes", len(q.lanes)))
	return nil
}

// Stop signals all workers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// Enqueue adds a job to a lane with a priority and an optional delay.
// A job id may occupy a lane at most once until it reaches a terminal
// state.
func (q *Queue) Enqueue(laneName string, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	if job.ID == "" {
		return fmt.Errorf("job requires an id")
	}
	if _, exists := l.active[job.ID]; exists {
		return ErrDuplicateJob
	}
	for _, p := range l.pending {
		if p.ID == job.ID {
			return ErrDuplicateJob
		}
	}

	now := time.Now()
	job.Lane = laneName
	job.EnqueuedAt = now
	job.RunAt = now.Add(delay)
	if delay > 0 {
		job.State = StateDelayed
	} else {
		job.State = StateWaiting
	}
	l.pending = append(l.pending, job)

	q.publish(event.TypeQueued, job, nil)
	q.wakeLane(l)
	return nil
}

// PauseLane stops dispatching from a lane. Active jobs finish.
func (q *Queue) PauseLane(laneName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	l.paused = true
	return nil
}

// ResumeLane resumes dispatching from a paused lane.
func (q *Queue) ResumeLane(laneName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	l.paused = false
	q.wakeLane(l)
	return nil
}

// LaneCounts reports the job totals for one lane.
func (q *Queue) LaneCounts(laneName string) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return Counts{}, fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}

	var c Counts
	now := time.Now()
	for _, j := range l.pending {
		if j.RunAt.After(now) {
			c.Delayed++
		} else {
			c.Waiting++
		}
	}
	c.Active = len(l.active)
	for _, j := range l.terminal {
		if j.State == StateCompleted {
			c.Completed++
		} else {
			c.Failed++
		}
	}
	return c, nil
}

// Purge drops terminal entries older than the retention window and
// returns how many were removed.
func (q *Queue) Purge(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, l := range q.lanes {
		kept := l.terminal[:0]
		for _, j := range l.terminal {
			if j.FinishedAt.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, j)
			}
		}
		l.terminal = kept
	}
	return removed
}

func (q *Queue) wakeLane(l *lane) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(eventType string, job *Job, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(event.Event{
		Type:    eventType,
		OwnerID: job.OwnerID,
		JobID:   job.ID,
		Lane:    job.Lane,
		Payload: payload,
	})
}

// tryPop removes and returns the best due job: highest priority first,
// earliest RunAt on ties. Returns nil when paused or nothing is due.
func (q *Queue) tryPop(l *lane) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l.paused || l.handler == nil {
		return nil
	}

	now := time.Now()
	best := -1
	for i, j := range l.pending {
		if j.RunAt.After(now) {
			continue
		}
		if best == -1 || j.Priority > l.pending[best].Priority ||
			(j.Priority == l.pending[best].Priority && j.RunAt.Before(l.pending[best].RunAt)) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	job := l.pending[best]
	l.pending = append(l.pending[:best], l.pending[best+1:]...)

	q.dispatch++
	job.dispatch = q.dispatch
	job.State = StateActive
	job.Attempts++
	job.lastHeartbeat = now
	l.active[job.ID] = job
	return job
}

func (q *Queue) worker(ctx context.Context, l *lane, id int) {
	defer q.wg.Done()

	for {
		job := q.tryPop(l)
		if job == nil {
			select {
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			case <-l.wake:
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.process(ctx, l, job)
	}
}

func (q *Queue) process(ctx context.Context, l *lane, job *Job) {
	q.publish(event.TypeStarted, job, nil)
	q.logger.Debug("job started",
		zap.String("lane", l.name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts))

	dispatch := job.dispatch
	report := func(payload any) {
		q.mu.Lock()
		stillOwned := l.active[job.ID] == job && job.dispatch == dispatch
		if stillOwned {
			job.lastHeartbeat = time.Now()
		}
		q.mu.Unlock()
		if stillOwned {
			q.publish(event.TypeProgressed, job, payload)
		}
	}

	err := l.handler(ctx, job, report)

	q.mu.Lock()
	defer q.mu.Unlock()

	// A stalled job was already requeued; this result is stale.
	if l.active[job.ID] != job || job.dispatch != dispatch {
		q.logger.Warn("discarding result of superseded dispatch",
			zap.String("lane", l.name),
			zap.String("job_id", job.ID))
		return
	}
	delete(l.active, job.ID)

	if err == nil {
		job.State = StateCompleted
		job.FinishedAt = time.Now()
		l.terminal = append(l.terminal, job)
		q.publish(event.TypeCompleted, job, nil)
		return
	}

	job.LastError = err.Error()
	if job.Attempts < l.cfg.MaxAttempts {
		backoff := l.cfg.BaseBackoff
		for i := 1; i < job.Attempts; i++ {
			backoff *= 2
			if backoff >= l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
				break
			}
		}
		job.State = StateDelayed
		job.RunAt = time.Now().Add(backoff)
		l.pending = append(l.pending, job)
		q.logger.Warn("job failed, retrying",
			zap.String("lane", l.name),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		return
	}

	job.State = StateFailed
	job.FinishedAt = time.Now()
	l.terminal = append(l.terminal, job)
	q.publish(event.TypeFailed, job, err.Error())
	q.logger.Error("job permanently failed",
		zap.String("lane", l.name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
}

// stallMonitor requeues active jobs whose handlers stopped reporting.
func (q *Queue) stallMonitor(ctx context.Context) {
	defer q.wg.Done()

	interval := q.stallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStalled()
		}
	}
}

func (q *Queue) sweepStalled() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, l := range q.lanes {
		for id, job := range l.active {
			if now.Sub(job.lastHeartbeat) <= q.stallTimeout {
				continue
			}
			delete(l.active, id)
			q.publish(event.TypeStalled, job, nil)

			if job.Attempts >= l.cfg.MaxAttempts {
				job.State = StateFailed
				job.FinishedAt = now
				job.LastError = "stalled after final attempt"
				l.terminal = append(l.terminal, job)
				q.publish(event.TypeFailed, job, job.LastError)
				q.logger.Error("stalled job exhausted attempts",
					zap.String("lane", l.name),
					zap.String("job_id", job.ID))
				continue
			}

			job.State = StateWaiting
			job.RunAt = now
			l.pending = append(l.pending, job)
			q.logger.Warn("job stalled, requeued",
				zap.String("lane", l.name),
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.Attempts))
			q.wakeLane(l)
		}
	}
}
