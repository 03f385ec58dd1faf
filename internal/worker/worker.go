// Package worker runs queued crawl tasks and applies the rate-limit halt policy.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

// Runner executes one task to completion.
type Runner interface {
	Run(ctx context.Context, task crawler.Task) (crawler.TaskSummary, error)
}

// Config controls Worker behavior.
type Config struct {
	// HaltOnRateLimit stops the worker and invokes the halt hook when a task
	// fails with crawler.ErrRateLimited.
	HaltOnRateLimit bool
}

// Worker consumes queue items and runs them one at a time.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	halt   func(error)
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker. halt may be nil.
func New(queue crawler.Queue, runner Runner, halt func(error), cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		halt:   halt,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes, the queue
// closes, or the halt policy fires.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.Task.ID))
		if stop := w.process(ctx, item); stop {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) bool {
	summary, err := w.runner.Run(ctx, item.Task)
	if err == nil {
		w.logger.Info("task complete",
			zap.String("task_id", item.Task.ID),
			zap.Int("chain_files", summary.ChainFiles),
		)
		return false
	}
	if !errors.Is(err, crawler.ErrRateLimited) || !w.cfg.HaltOnRateLimit {
		w.logger.Warn("task failed", zap.String("task_id", item.Task.ID), zap.Error(err))
		return false
	}
	w.logger.Error("rate limit exhausted, halting", zap.String("task_id", item.Task.ID), zap.Error(err))
	if w.halt != nil {
		w.halt(err)
	}
	return true
}
