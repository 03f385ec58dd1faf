// Package memory provides the in-process task queue used by serve mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = crawler.ErrQueueClosed
	// ErrFull is returned by TryEnqueue when no slot is free.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded in-memory task queue with context-aware operations.
type Queue struct {
	ch     chan crawler.QueueItem
	mu     sync.RWMutex
	closed bool
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a queue holding at most capacity pending tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawler.QueueItem, capacity),
	}
}

// Enqueue pushes a task, waiting for a free slot until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes a task without waiting.
func (q *Queue) TryEnqueue(item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. Pending tasks can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
