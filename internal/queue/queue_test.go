package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coralsync/coralsync/internal/event"
)

func newTestQueue(t *testing.T, cfg map[string]LaneConfig, opts ...Option) (*Queue, *event.Bus) {
	t.Helper()
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)

	q := New(bus, cfg, nil, opts...)
	t.Cleanup(q.Stop)
	return q, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestEnqueueAndComplete(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	var handled atomic.Int64
	q.SetHandler(LaneTransfer, func(ctx context.Context, job *Job, report func(any)) error {
		handled.Add(1)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneTransfer, &Job{ID: "j1", OwnerID: "o1"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })

	counts, err := q.LaneCounts(LaneTransfer)
	if err != nil {
		t.Fatalf("LaneCounts() error = %v", err)
	}
	if counts.Completed != 1 || counts.Active != 0 || counts.Waiting != 0 {
		t.Errorf("LaneCounts() = %+v, want 1 completed", counts)
	}
}

func TestEnqueueUnknownLane(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	err := q.Enqueue("bogus", &Job{ID: "j1"}, 0)
	if !errors.Is(err, ErrUnknownLane) {
		t.Errorf("Enqueue(bogus) error = %v, want ErrUnknownLane", err)
	}
}

func TestDuplicateJobIDRejected(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	if err := q.Enqueue(LaneSync, &Job{ID: "j1"}, time.Minute); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(LaneSync, &Job{ID: "j1"}, 0); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second Enqueue() error = %v, want ErrDuplicateJob", err)
	}
}

func TestRetryWithBackoffThenPermanentFailure(t *testing.T) {
	q, bus := newTestQueue(t, map[string]LaneConfig{
		LaneTransfer: {Workers: 1, MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond},
	})

	var failedEvents atomic.Int64
	bus.Subscribe(func(ev event.Event) {
		if ev.Type == event.TypeFailed {
			failedEvents.Add(1)
		}
	})

	var attempts atomic.Int64
	q.SetHandler(LaneTransfer, func(ctx context.Context, job *Job, report func(any)) error {
		attempts.Add(1)
		return fmt.Errorf("boom")
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneTransfer, &Job{ID: "j1"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := q.LaneCounts(LaneTransfer)
		return counts.Failed == 1
	})

	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}
	waitFor(t, time.Second, func() bool { return failedEvents.Load() == 1 })
}

func TestAtMostOneDispatchPerJob(t *testing.T) {
	q, _ := newTestQueue(t, map[string]LaneConfig{
		LaneTransfer: {Workers: 4, MaxAttempts: 1},
	})

	var concurrent atomic.Int64
	var maxSeen atomic.Int64
	q.SetHandler(LaneTransfer, func(ctx context.Context, job *Job, report func(any)) error {
		n := concurrent.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// One job, four workers: only one may run it.
	if err := q.Enqueue(LaneTransfer, &Job{ID: "solo"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		counts, _ := q.LaneCounts(LaneTransfer)
		return counts.Completed == 1
	})
	if maxSeen.Load() != 1 {
		t.Errorf("job dispatched to %d workers concurrently, want 1", maxSeen.Load())
	}
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t, map[string]LaneConfig{
		LaneCleanup: {Workers: 1, MaxAttempts: 1},
	})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	q.SetHandler(LaneCleanup, func(ctx context.Context, job *Job, report func(any)) error {
		<-release
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil
	})

	// Enqueue before starting so all three are pending together.
	for _, j := range []*Job{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
		{ID: "mid", Priority: 5},
	} {
		if err := q.Enqueue(LaneCleanup, j, 0); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", j.ID, err)
		}
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" {
		t.Errorf("dispatch order = %v, want high first", order)
	}
}

func TestDelayedJobNotDispatchedEarly(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	var ran atomic.Int64
	q.SetHandler(LaneNotify, func(ctx context.Context, job *Job, report func(any)) error {
		ran.Add(1)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneNotify, &Job{ID: "later"}, 300*time.Millisecond); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("delayed job dispatched before its delay elapsed")
	}
	counts, _ := q.LaneCounts(LaneNotify)
	if counts.Delayed != 1 {
		t.Errorf("LaneCounts() = %+v, want 1 delayed", counts)
	}

	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })
}

func TestPauseAndResumeLane(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	var ran atomic.Int64
	q.SetHandler(LaneSync, func(ctx context.Context, job *Job, report func(any)) error {
		ran.Add(1)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.PauseLane(LaneSync); err != nil {
		t.Fatalf("PauseLane() error = %v", err)
	}
	if err := q.Enqueue(LaneSync, &Job{ID: "j1"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("paused lane dispatched a job")
	}

	if err := q.ResumeLane(LaneSync); err != nil {
		t.Fatalf("ResumeLane() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })
}

func TestStalledJobRequeued(t *testing.T) {
	q, bus := newTestQueue(t, map[string]LaneConfig{
		LaneTransfer: {Workers: 2, MaxAttempts: 3},
	}, WithStallTimeout(100*time.Millisecond))

	var stalledEvents atomic.Int64
	bus.Subscribe(func(ev event.Event) {
		if ev.Type == event.TypeStalled {
			stalledEvents.Add(1)
		}
	})

	var attempts atomic.Int64
	q.SetHandler(LaneTransfer, func(ctx context.Context, job *Job, report func(any)) error {
		if attempts.Add(1) == 1 {
			// First dispatch never reports liveness.
			time.Sleep(time.Second)
			return nil
		}
		report(nil)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneTransfer, &Job{ID: "j1"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := q.LaneCounts(LaneTransfer)
		return counts.Completed == 1
	})
	if stalledEvents.Load() == 0 {
		t.Error("expected a stalled event for the silent first dispatch")
	}
	if attempts.Load() < 2 {
		t.Errorf("handler ran %d times, want at least 2 (requeue)", attempts.Load())
	}
}

func TestHeartbeatPreventsStall(t *testing.T) {
	q, bus := newTestQueue(t, map[string]LaneConfig{
		LaneTransfer: {Workers: 1, MaxAttempts: 1},
	}, WithStallTimeout(100*time.Millisecond))

	var stalled atomic.Int64
	bus.Subscribe(func(ev event.Event) {
		if ev.Type == event.TypeStalled {
			stalled.Add(1)
		}
	})

	q.SetHandler(LaneTransfer, func(ctx context.Context, job *Job, report func(any)) error {
		for i := 0; i < 10; i++ {
			time.Sleep(50 * time.Millisecond)
			report(i)
		}
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneTransfer, &Job{ID: "steady"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := q.LaneCounts(LaneTransfer)
		return counts.Completed == 1
	})
	if stalled.Load() != 0 {
		t.Errorf("job reporting heartbeats was marked stalled %d times", stalled.Load())
	}
}

func TestPurgeTerminalEntries(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	q.SetHandler(LaneCleanup, func(ctx context.Context, job *Job, report func(any)) error {
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := q.Enqueue(LaneCleanup, &Job{ID: "j1"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		counts, _ := q.LaneCounts(LaneCleanup)
		return counts.Completed == 1
	})

	if removed := q.Purge(time.Hour); removed != 0 {
		t.Errorf("Purge(1h) removed %d fresh entries, want 0", removed)
	}
	if removed := q.Purge(0); removed != 1 {
		t.Errorf("Purge(0) = %d, want 1", removed)
	}
	counts, _ := q.LaneCounts(LaneCleanup)
	if counts.Completed != 0 {
		t.Errorf("LaneCounts() after purge = %+v, want 0 completed", counts)
	}
}
