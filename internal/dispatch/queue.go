// Package dispatch runs queued AI requests in priority order under a concurrency ceiling.
package dispatch

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/p-n-ai/portfolio-ai/internal/ai"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type item struct {
	req ai.Request
	seq uint64
}

// Queue holds pending requests ordered by priority, FIFO within a priority.
type Queue struct {
	mu       sync.Mutex
	items    []item
	nextSeq  uint64
	capacity int
}

// NewQueue creates a Queue holding at most capacity items. capacity <= 0 is unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push appends req.
func (q *Queue) Push(req ai.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, item{req: req, seq: q.nextSeq})
	q.nextSeq++
	return nil
}

// PopN removes and returns up to n requests, highest priority first.
func (q *Queue) PopN(n int) []ai.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}

	slices.SortStableFunc(q.items, func(a, b item) int {
		if c := cmp.Compare(b.req.Priority, a.req.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	n = min(n, len(q.items))
	out := make([]ai.Request, n)
	for i := range n {
		out[i] = q.items[i].req
	}
	q.items = slices.Delete(q.items, 0, n)
	return out
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
