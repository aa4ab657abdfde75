// Package memory provides the bounded in-process page queue that connects the
// crawl pool to the store pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the queue
// is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of raw pages. Producers block while it is full.
type Queue struct {
	ch      chan crawler.RawPage
	closing chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan crawler.RawPage, capacity),
		closing: make(chan struct{}),
	}
}

// Enqueue pushes a page, blocking while the queue is full, until ctx ends or
// the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, page crawler.RawPage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.closing:
		return ErrClosed
	case q.ch <- page:
		return nil
	}
}

// Dequeue pops the next page. Pages buffered before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.RawPage, error) {
	select {
	case <-ctx.Done():
		return crawler.RawPage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case page, ok := <-q.ch:
		if !ok {
			return crawler.RawPage{}, ErrClosed
		}
		return page, nil
	}
}

// Len reports the number of buffered pages.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Close stops accepting pages. Blocked producers return ErrClosed.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.closing)
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.ch)
		q.closed = true
	})
}
