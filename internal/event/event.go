// Package event carries job lifecycle notifications from the engines
// and the queue to any number of subscribers. Publishing never blocks
// the publisher.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the queue and the engines.
const (
	TypeQueued     = "queued"
	TypeStarted    = "started"
	TypeProgressed = "progressed"
	TypeCompleted  = "completed"
	TypeFailed     = "failed"
	TypeCancelled  = "cancelled"
	TypeStalled    = "stalled"
	TypeJobCreated = "job_created"
	TypeJobUpdated = "job_updated"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"ownerId,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	Lane      string    `json:"lane,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Bus fans events out to subscribers. Each subscriber gets a buffered
// channel drained by its own goroutine; when the buffer is full the
// event is dropped and counted rather than blocking the publisher.
type Bus struct {
	logger  *zap.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a handler. The handler runs on its own goroutine
// and must not be assumed to see every event under sustained overload.
func (b *Bus) Subscribe(handler func(Event)) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		for ev := range ch {
			handler(ev)
		}
	}()
}

// Publish delivers the event to all subscribers, fire and forget.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				b.logger.Warn("dropping events for slow subscriber",
					zap.Int64("dropped_total", n))
			}
		}
	}
}

// Dropped returns the number of events dropped due to full subscriber
// buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery. Subscriber goroutines exit once their buffers
// drain.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
