package event

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	got := make(map[int][]Event)
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		i := i
		bus.Subscribe(func(ev Event) {
			mu.Lock()
			got[i] = append(got[i], ev)
			mu.Unlock()
			wg.Done()
		})
	}

	bus.Publish(Event{Type: TypeStarted, JobID: "job-1"})
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 2; i++ {
		if len(got[i]) != 1 || got[i][0].JobID != "job-1" {
			t.Errorf("subscriber %d got %+v, want one started event for job-1", i, got[i])
		}
		if got[i][0].Timestamp.IsZero() {
			t.Errorf("subscriber %d event has zero timestamp", i)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(func(ev Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(Event{Type: TypeProgressed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
	close(block)

	if bus.Dropped() == 0 {
		t.Error("expected dropped events for a stuck subscriber")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(func(ev Event) {})
	bus.Close()

	// Must not panic on closed channels.
	bus.Publish(Event{Type: TypeCompleted})
}
