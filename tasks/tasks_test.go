package tasks

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibesapp/vibes/logger"
)

func newTestQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	logger.Reset()
	if err := logger.Init(filepath.Join(t.TempDir(), "test.log")); err != nil {
		t.Fatalf("logger init: %v", err)
	}
	t.Cleanup(logger.Reset)
	return NewQueue(workers)
}

func TestEnqueueRunsJobs(t *testing.T) {
	q := newTestQueue(t, 2)
	q.Start()
	defer q.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if !q.Enqueue(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}) {
			t.Fatal("enqueue reported drop")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("jobs did not complete")
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d jobs, want 10", got)
	}
}

func TestEnqueueBeforeStartDrops(t *testing.T) {
	q := newTestQueue(t, 1)
	if q.Enqueue(func(ctx context.Context) {}) {
		t.Error("enqueue on stopped queue should report drop")
	}
}

func TestEnqueueAfterStopDrops(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Start()
	q.Stop()
	if q.Enqueue(func(ctx context.Context) {}) {
		t.Error("enqueue after stop should report drop")
	}
}

func TestEnqueueFullQueueDrops(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Start()
	defer q.Stop()

	// Park the single worker so buffered jobs pile up.
	block := make(chan struct{})
	q.Enqueue(func(ctx context.Context) { <-block })
	time.Sleep(20 * time.Millisecond)

	accepted := 0
	for i := 0; i < DefaultQueueSize+10; i++ {
		if q.Enqueue(func(ctx context.Context) {}) {
			accepted++
		}
	}
	close(block)

	if accepted != DefaultQueueSize {
		t.Errorf("accepted %d jobs, want %d", accepted, DefaultQueueSize)
	}
}

func TestStopDrainsPendingJobs(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		q.Enqueue(func(ctx context.Context) {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		})
	}
	q.Stop()

	if got := ran.Load(); got != 5 {
		t.Errorf("ran %d jobs before stop returned, want 5", got)
	}
}

func TestJobPanicDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Start()
	defer q.Stop()

	q.Enqueue(func(ctx context.Context) { panic("boom") })

	done := make(chan struct{})
	q.Enqueue(func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	q := newTestQueue(t, 2)
	q.Start()
	q.Stop()
	q.Stop()
}
