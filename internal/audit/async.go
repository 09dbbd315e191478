package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the number of events Async holds before dropping.
const DefaultBuffer = 1024

// Async forwards events to a Sink from a background worker. Record never
// blocks; events are dropped and logged when the buffer is full.
type Async struct {
	sink   Sink
	events chan Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts the worker. A non-positive buffer uses DefaultBuffer.
func NewAsync(sink Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	a := &Async{
		sink:   sink,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.events {
		if err := a.sink.Record(context.Background(), event); err != nil {
			slog.Warn("audit sink failed", "type", event.Type, "request_id", event.RequestID, "error", err)
		}
	}
}

// Record queues event. It always returns nil.
func (a *Async) Record(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(event, "closed")
		return nil
	}
	select {
	case a.events <- event:
	default:
		a.drop(event, "buffer full")
	}
	return nil
}

func (a *Async) drop(event Event, reason string) {
	a.dropped.Add(1)
	slog.Warn("audit event dropped", "reason", reason, "type", event.Type, "request_id", event.RequestID)
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written or for ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		slog.Warn("audit writer closed before draining", "pending", len(a.events))
		return ctx.Err()
	}
}
