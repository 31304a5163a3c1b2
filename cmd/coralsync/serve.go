package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/queue"
	"github.com/coralsync/coralsync/internal/storage"
	syncengine "github.com/coralsync/coralsync/internal/sync"
)

const (
	pendingScanInterval = 30 * time.Second
	cleanupInterval     = time.Hour
	queueRetention      = 24 * time.Hour
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the scheduler and job queue until interrupted",
		Action: serve,
	}
}

// workItem is the queue payload for both engine lanes.
type workItem struct {
	JobID   string
	OwnerID string
}

func serve(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lanes := make(map[string]queue.LaneConfig, len(a.cfg.Queue.Lanes))
	for _, name := range []string{queue.LaneTransfer, queue.LaneSync, queue.LaneCleanup, queue.LaneNotify} {
		lanes[name] = queue.DefaultLaneConfig()
	}
	for name, lc := range a.cfg.Queue.Lanes {
		lanes[name] = queue.LaneConfig{
			Workers:     lc.Workers,
			MaxAttempts: lc.MaxAttempts,
			BaseBackoff: lc.BaseBackoff(),
			MaxBackoff:  lc.MaxBackoff(),
		}
	}
	q := queue.New(a.bus, lanes, a.log, queue.WithStallTimeout(a.cfg.Queue.StallTimeout()))

	handlers := map[string]queue.Handler{
		queue.LaneTransfer: a.transferHandler(),
		queue.LaneSync:     a.syncHandler(),
		queue.LaneCleanup: func(ctx context.Context, job *queue.Job, report func(any)) error {
			purged := q.Purge(queueRetention)
			a.log.Info("queue purged", zap.Int("entries", purged))
			return nil
		},
		queue.LaneNotify: func(ctx context.Context, job *queue.Job, report func(any)) error {
			// Delivery target for external notifiers; logged until one
			// is configured.
			a.log.Info("notification", zap.Any("payload", job.Payload))
			return nil
		},
	}
	for name, h := range handlers {
		if err := q.SetHandler(name, h); err != nil {
			return err
		}
	}

	// Forward terminal engine events into the notify lane.
	a.bus.Subscribe(func(ev event.Event) {
		if ev.Type != event.TypeCompleted && ev.Type != event.TypeFailed && ev.Type != event.TypeCancelled {
			return
		}
		err := q.Enqueue(queue.LaneNotify, &queue.Job{
			ID:      uuid.NewString(),
			OwnerID: ev.OwnerID,
			Payload: ev,
		}, 0)
		if err != nil {
			a.log.Warn("notification not enqueued", zap.Error(err))
		}
	})

	if err := q.Start(ctx); err != nil {
		return err
	}

	a.syncs.Scheduler().Run()
	a.log.Info("serving",
		zap.Int("lanes", len(lanes)),
		zap.String("database", a.cfg.Database.Path))

	scanTicker := time.NewTicker(pendingScanInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer scanTicker.Stop()
	defer cleanupTicker.Stop()

	a.enqueuePending(ctx, q)
	a.enqueueMissedSyncs(ctx, q)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			a.syncs.Scheduler().Stop()
			q.Stop()
			return nil
		case <-scanTicker.C:
			a.enqueuePending(ctx, q)
			a.enqueueMissedSyncs(ctx, q)
		case <-cleanupTicker.C:
			err := q.Enqueue(queue.LaneCleanup, &queue.Job{ID: uuid.NewString()}, 0)
			if err != nil {
				a.log.Warn("cleanup not enqueued", zap.Error(err))
			}
		}
	}
}

// enqueuePending feeds pending transfer jobs into the transfer lane.
// Jobs already queued are rejected by id and skipped.
func (a *app) enqueuePending(ctx context.Context, q *queue.Queue) {
	jobs, err := a.store.ListTransferJobs(ctx, storage.TransferJobFilter{Status: storage.StatusPending})
	if err != nil {
		a.log.Warn("pending scan failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		err := q.Enqueue(queue.LaneTransfer, &queue.Job{
			ID:      job.ID,
			OwnerID: job.OwnerID,
			Payload: workItem{JobID: job.ID, OwnerID: job.OwnerID},
		}, 0)
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			a.log.Warn("transfer not enqueued",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// enqueueMissedSyncs feeds scheduled sync jobs whose trigger never
// fired into the sync lane. A NextRunAt still in the past after a full
// scan interval means the process was down when the trigger was due;
// the in-memory scheduler does not replay missed occurrences.
func (a *app) enqueueMissedSyncs(ctx context.Context, q *queue.Queue) {
	jobs, err := a.store.ListSyncJobs(ctx, storage.SyncJobFilter{EnabledOnly: true})
	if err != nil {
		a.log.Warn("sync scan failed", zap.Error(err))
		return
	}
	now := time.Now()
	for _, job := range jobs {
		if job.Schedule == "" || job.NextRunAt == nil {
			continue
		}
		if now.Sub(*job.NextRunAt) < pendingScanInterval {
			continue
		}
		err := q.Enqueue(queue.LaneSync, &queue.Job{
			ID:      job.ID,
			OwnerID: job.OwnerID,
			Payload: workItem{JobID: job.ID, OwnerID: job.OwnerID},
		}, 0)
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			a.log.Warn("sync not enqueued",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// transferHandler drives one transfer job to a terminal status,
// reporting progress as liveness heartbeats.
func (a *app) transferHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job, report func(any)) error {
		item, ok := job.Payload.(workItem)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		if err := a.transfers.Start(ctx, item.JobID, item.OwnerID); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				a.transfers.Cancel(item.JobID, item.OwnerID)
				return ctx.Err()
			case <-time.After(time.Second):
			}
			p, err := a.transfers.Progress(ctx, item.JobID, item.OwnerID)
			if err != nil {
				return err
			}
			report(p)
			switch p.Status {
			case storage.StatusCompleted, storage.StatusPaused:
				return nil
			case storage.StatusFailed:
				return fmt.Errorf("transfer %s failed", item.JobID)
			case storage.StatusCancelled:
				return nil
			}
		}
	}
}

// syncHandler runs one reconciliation pass and waits for its outcome.
func (a *app) syncHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job, report func(any)) error {
		item, ok := job.Payload.(workItem)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		started := time.Now()
		if err := a.syncs.Start(ctx, item.JobID, item.OwnerID); err != nil {
			if errors.Is(err, syncengine.ErrJobActive) {
				// The cron trigger beat us to it; the running pass
				// covers this occurrence.
				return nil
			}
			return err
		}
		for {
			select {
			case <-ctx.Done():
				a.syncs.Stop(item.JobID, item.OwnerID)
				return ctx.Err()
			case <-time.After(time.Second):
			}
			record, err := a.syncs.Get(ctx, item.JobID, item.OwnerID)
			if err != nil {
				return err
			}
			report(record.LastOutcome)
			if record.LastRunAt != nil && !record.LastRunAt.Before(started) {
				if record.LastOutcome == storage.OutcomeFailed {
					return fmt.Errorf("sync %s failed", item.JobID)
				}
				return nil
			}
		}
	}
}
