// Package queue runs detached background jobs on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull = errors.New("queue is full")
	ErrClosed    = errors.New("queue is closed")
)

// Job runs with the pool's context, which is cancelled only when Stop gives up
// waiting.
type Job func(ctx context.Context)

type Queue struct {
	jobs    chan Job
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func New(workers, size int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		jobs:    make(chan Job, size),
		workers: max(1, workers),
		logger:  logger.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calls after the first are no-ops.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := range q.workers {
		q.wg.Add(1)
		go q.work(i)
	}
	q.logger.Info("workers started", "count", q.workers)
}

func (q *Queue) work(id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(id, job)
	}
}

func (q *Queue) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "worker", id, "panic", r)
		}
	}()
	job(q.ctx)
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued ones to finish. If ctx expires
// first, running jobs see their context cancelled and Stop returns ctx.Err().
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
