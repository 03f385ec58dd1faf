// Package pool runs batches of tasks under a concurrency bound and hands each
// result to a completion callback.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/replychain-crawler/internal/metrics"
)

// DefaultSize is the concurrency bound used when New receives a non-positive size.
const DefaultSize = 16

// Task produces one value.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task.
type Result[T any] struct {
	Value T
	Err   error
}

// Pool runs at most size tasks at a time. Callbacks run one at a time on a
// single collector goroutine, in completion order.
type Pool[T any] struct {
	size int

	mu    sync.Mutex
	batch *batch[T]
}

type batch[T any] struct {
	g       *errgroup.Group
	done    chan completion[T]
	drained chan struct{}
	results []Result[T]
}

type completion[T any] struct {
	result     Result[T]
	onComplete func(Result[T])
}

// New returns a Pool bounded to size concurrent tasks.
func New[T any](size int) *Pool[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool[T]{size: size}
}

// Size reports the concurrency bound.
func (p *Pool[T]) Size() int {
	return p.size
}

// Submit schedules task. It blocks while size tasks are already running.
// onComplete may be nil. A task error or panic is reported only through its
// own Result.
func (p *Pool[T]) Submit(ctx context.Context, task Task[T], onComplete func(Result[T])) {
	b := p.current()
	b.g.Go(func() error {
		metrics.IncActiveFetches()
		defer metrics.DecActiveFetches()
		b.done <- completion[T]{result: run(ctx, task), onComplete: onComplete}
		return nil
	})
}

// Join waits for every task submitted since the last Join and for all of
// their callbacks, then returns the results in completion order. The pool
// accepts a fresh batch afterwards.
func (p *Pool[T]) Join() []Result[T] {
	p.mu.Lock()
	b := p.batch
	p.batch = nil
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	_ = b.g.Wait()
	close(b.done)
	<-b.drained
	return b.results
}

func (p *Pool[T]) current() *batch[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batch == nil {
		g := &errgroup.Group{}
		g.SetLimit(p.size)
		b := &batch[T]{
			g:       g,
			done:    make(chan completion[T], p.size),
			drained: make(chan struct{}),
		}
		go b.collect()
		p.batch = b
	}
	return p.batch
}

func (b *batch[T]) collect() {
	defer close(b.drained)
	for c := range b.done {
		if c.onComplete != nil {
			c.onComplete(c.result)
		}
		b.results = append(b.results, c.result)
	}
}

func run[T any](ctx context.Context, task Task[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: fmt.Errorf("task panic: %v", r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Result[T]{Err: err}
	}
	v, err := task(ctx)
	return Result[T]{Value: v, Err: err}
}
