// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/worker"
)

// TaskQueue is a crawler.Queue that can also refuse work instead of blocking.
type TaskQueue interface {
	crawler.Queue
	TryEnqueue(item crawler.QueueItem) error
}

// Dispatcher accepts submitted tasks and fans queue work out to a set of workers.
type Dispatcher struct {
	queue   TaskQueue
	workers []*worker.Worker
	clock   crawler.Clock
}

// New creates a Dispatcher.
func New(queue TaskQueue, workers []*worker.Worker, clock crawler.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		clock:   clock,
	}
}

// Run starts all workers and blocks until every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// TrySubmit stamps task with the submission time and queues it, failing
// immediately when the queue is full or closed.
func (d *Dispatcher) TrySubmit(task crawler.Task) error {
	item := crawler.QueueItem{Task: task}
	if d.clock != nil {
		item.Submitted = d.clock.Now().Unix()
	}
	if err := d.queue.TryEnqueue(item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
