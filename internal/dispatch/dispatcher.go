package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
)

const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultMaxConcurrent = 5
)

// Handler executes one dequeued request.
type Handler func(ctx context.Context, req ai.Request)

// Dispatcher drains a Queue on a ticker. Each drain pops at most
// maxConcurrent requests and waits for all of them before the next one.
type Dispatcher struct {
	queue         *Queue
	handler       Handler
	interval      time.Duration
	maxConcurrent int

	draining atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Dispatcher. Non-positive values fall back to the defaults.
func New(queue *Queue, handler Handler, interval time.Duration, maxConcurrent int) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		queue:         queue,
		handler:       handler,
		interval:      interval,
		maxConcurrent: maxConcurrent,
	}
}

// Submit enqueues req.
func (d *Dispatcher) Submit(req ai.Request) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return d.queue.Push(req)
}

// Start runs the drain loop until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	// Requests already dispatched run to completion after Stop.
	work := context.WithoutCancel(ctx)
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Drain(work)
			}
		}
	}()
}

// Stop halts the loop, refuses new submissions and drains what is left using ctx.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	wasRunning := d.running
	d.running = false
	if wasRunning {
		d.cancel()
	}
	done := d.done
	d.mu.Unlock()

	if wasRunning {
		<-done
	}
	for d.queue.Len() > 0 && ctx.Err() == nil {
		if d.Drain(ctx) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if n := d.queue.Len(); n > 0 {
		slog.Warn("dispatcher stopped with pending requests", "pending", n)
	}
}

// Drain dispatches one batch and returns its size. It is a no-op returning 0
// while another drain is in progress.
func (d *Dispatcher) Drain(ctx context.Context) int {
	if !d.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer d.draining.Store(false)

	batch := d.queue.PopN(d.maxConcurrent)
	if len(batch) == 0 {
		return 0
	}

	g := new(errgroup.Group)
	g.SetLimit(d.maxConcurrent)
	for _, req := range batch {
		g.Go(func() error {
			d.inFlight.Add(1)
			defer d.inFlight.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					slog.Error("queued request panicked", "request_id", req.ID, "panic", r)
				}
			}()
			d.handler(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("dispatch batch complete", "size", len(batch), "pending", d.queue.Len())
	return len(batch)
}

// InFlight returns the number of requests currently executing.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Pending returns the queue length.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
