package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartFunc is invoked by the scheduler when a job's trigger fires.
type StartFunc func(jobID, ownerID string)

// Scheduler owns the cron triggers for scheduled sync jobs. An enabled
// job with a schedule expression holds exactly one trigger; disabling
// or deleting the job removes it.
type Scheduler struct {
	cron   *cron.Cron
	start  StartFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(start StartFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(),
		start:   start,
		logger:  logger.Named("scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Run() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule replaces the job's trigger with one derived from spec.
// An empty spec just removes the existing trigger.
func (s *Scheduler) Schedule(jobID, ownerID, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
	if spec == "" {
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.start(jobID, ownerID)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.entries[jobID] = entryID
	s.logger.Debug("trigger registered",
		zap.String("job_id", jobID),
		zap.String("schedule", spec))
	return nil
}

// Unschedule removes the job's trigger if one exists.
func (s *Scheduler) Unschedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
}

// Scheduled reports whether the job currently owns a trigger.
func (s *Scheduler) Scheduled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

// NextRun computes the next fire time for a schedule expression.
func NextRun(spec string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched.Next(after), nil
}
