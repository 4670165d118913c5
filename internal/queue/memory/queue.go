// Package memory provides the in-process work queue shared by the crawler and workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

var (
	// ErrEmpty is returned by Pop when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned by Push after Close, and by Pop once a closed queue is empty.
	ErrClosed = errors.New("queue closed")
)

// Queue is a FIFO of work items with in-flight accounting. Capacity zero means
// unbounded; otherwise Push blocks while the queue holds that many items.
type Queue struct {
	mu       sync.Mutex
	items    []crawler.WorkItem
	capacity int
	inFlight int
	sealed   bool
	closed   bool
	// changed is closed and replaced on every state change so waiters can
	// select on it alongside their context and timers.
	changed chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Callers must hold q.mu.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push appends an item. Identifiers count toward the in-flight total until
// Done is called for them; stop sentinels do not, and are never held back by
// the capacity bound.
func (q *Queue) Push(ctx context.Context, item crawler.WorkItem) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if item.IsStop() || q.capacity == 0 || len(q.items) < q.capacity {
			break
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wait:
		}
		q.mu.Lock()
	}
	q.items = append(q.items, item)
	if !item.IsStop() {
		q.inFlight++
	}
	q.notifyLocked()
	q.mu.Unlock()
	return nil
}

// Pop removes the oldest item. It returns ErrEmpty when nothing arrives within
// timeout and a wrapped context error when ctx ends first.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (crawler.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return crawler.WorkItem{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.mu.Lock()
	for {
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = crawler.WorkItem{}
			q.items = q.items[1:]
			q.notifyLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawler.WorkItem{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return crawler.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
			return crawler.WorkItem{}, ErrEmpty
		case <-wait:
		}
		q.mu.Lock()
	}
}

// Done marks one popped identifier as fully processed.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.notifyLocked()
}

// Drained reports whether every pushed identifier has been marked done.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight == 0
}

// Seal records that the producer has finished. Pushes are still accepted so
// a producer racing its own shutdown cannot lose identifiers.
func (q *Queue) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return
	}
	q.sealed = true
	q.notifyLocked()
}

// Sealed reports whether Seal or Close has been called.
func (q *Queue) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed || q.closed
}

// WaitDrained blocks until Drained would return true or ctx ends.
func (q *Queue) WaitDrained(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.inFlight == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait drained: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Discard removes every identifier still waiting in the queue and returns them
// in queue order. Stop sentinels stay queued.
func (q *Queue) Discard() []crawler.Identifier {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []crawler.Identifier
	kept := q.items[:0]
	for _, item := range q.items {
		if item.IsStop() {
			kept = append(kept, item)
			continue
		}
		dropped = append(dropped, item.ID)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = crawler.WorkItem{}
	}
	q.items = kept
	q.inFlight -= len(dropped)
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	if len(dropped) > 0 {
		q.notifyLocked()
	}
	return dropped
}

// Len returns the number of queued items, sentinels included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}
