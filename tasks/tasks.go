// Package tasks runs background jobs on a bounded worker pool.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vibesapp/vibes/logger"
)

const (
	// DefaultQueueSize bounds pending jobs so a burst cannot grow memory
	// without limit. Enqueue drops when the queue is full.
	DefaultQueueSize = 100

	// DrainTimeout caps how long Stop waits for in-flight jobs.
	DrainTimeout = 5 * time.Second
)

// Job is a unit of background work. The context is cancelled when the
// queue shuts down.
type Job func(ctx context.Context)

// Queue fans jobs out to a fixed number of workers.
type Queue struct {
	jobs    chan Job
	log     *slog.Logger
	workers int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueue creates a queue with the given worker count. Values below 1
// are clamped to 1.
func NewQueue(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, DefaultQueueSize),
		log:     logger.WithComponent("tasks"),
		workers: workers,
	}
}

// Start launches the worker goroutines. Calling Start on a running
// queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go q.worker(ctx, i, &wg)
	}
	go func() {
		wg.Wait()
		close(q.done)
	}()

	q.log.Info("task queue started", "workers", q.workers)
}

func (q *Queue) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	q.log.Debug("worker started", "worker", id)
	for {
		select {
		case <-ctx.Done():
			q.log.Debug("worker stopped", "worker", id)
			return
		case job, ok := <-q.jobs:
			if !ok {
				q.log.Debug("worker stopped", "worker", id)
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panic", "panic", r)
		}
	}()
	job(ctx)
}

// Enqueue adds a job without blocking. Reports false when the queue is
// stopped or full, logging the drop.
func (q *Queue) Enqueue(job Job) bool {
	// The send stays under the lock so Stop cannot close the channel
	// between the running check and the send.
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.log.Warn("task queue not running, task dropped")
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		q.log.Warn("task queue full, task dropped")
		return false
	}
}

// Pending reports the number of jobs waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Stop drains pending jobs, waiting up to DrainTimeout, then cancels
// the workers. Jobs still queued after the timeout are lost.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	// No new jobs arrive after running flips, so the workers can
	// finish what is buffered before the channel closes.
	close(q.jobs)

	select {
	case <-done:
	case <-time.After(DrainTimeout):
		q.log.Warn("task queue drain timeout, some tasks may be lost")
		cancel()
		<-done
	}
	cancel()
	q.log.Info("task queue stopped")
}
