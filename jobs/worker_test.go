package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/logger"
)

// ============================================================================
// Maestro's Orchestra Pit
// ============================================================================
//
// The pool is the orchestra pit: a fixed set of players pulls pieces off
// the setlist and performs them. These tests cover the pit surviving a
// player's meltdown, pieces with no sheet music, and the house closing
// on time.
// ============================================================================

type stubHandler struct {
	jobType JobType
	fn      func(ctx context.Context, job *Job) (json.RawMessage, error)
}

func (h *stubHandler) Type() JobType { return h.jobType }
func (h *stubHandler) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return h.fn(ctx, job)
}

func newTestPool(t *testing.T, store *Store, registry *Registry) *Pool {
	t.Helper()
	pool := NewPool(context.Background(), store, registry, PoolConfig{
		Workers:         2,
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, logger.NewTestLogger())
	t.Cleanup(pool.Stop)
	return pool
}

func registerStub(registry *Registry, jobType JobType, fn func(ctx context.Context, job *Job) (json.RawMessage, error)) {
	registry.Register(jobType, func() Handler {
		return &stubHandler{jobType: jobType, fn: fn}
	})
}

// TestPoolExecutesJobs tests the happy path: queued jobs run and complete
// with their results recorded
func TestPoolExecutesJobs(t *testing.T) {
	t.Log("🎻 The pit performs the night's setlist...")

	store := newTestStore(t)
	registry := NewRegistry()

	var executions atomic.Int32
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		executions.Add(1)
		return json.RawMessage(`{"path":"/media/out.mp4"}`), nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
		store.Enqueue(job)
		ids = append(ids, job.ID)
	}

	pool := newTestPool(t, store, registry)
	pool.Start()

	for _, id := range ids {
		waitForStatus(t, store, id, StatusCompleted, 3*time.Second)
	}

	if got := executions.Load(); got != 3 {
		t.Errorf("Expected 3 executions, got %d", got)
	}
	job, _ := store.Get(ids[0])
	if string(job.Result) != `{"path":"/media/out.mp4"}` {
		t.Errorf("Result not recorded: %s", job.Result)
	}
	if job.Progress != 100 {
		t.Errorf("Completed job progress should be 100, got %d", job.Progress)
	}

	t.Log("✓ Every piece performed, every result in the program")
}

// TestPoolContainsHandlerPanic tests that a panicking handler fails its job
// without killing the worker loop
func TestPoolContainsHandlerPanic(t *testing.T) {
	t.Log("🎻 A player drops their instrument mid-piece...")

	store := newTestStore(t)
	registry := NewRegistry()
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		panic("string snapped")
	})
	registerStub(registry, TypeThumbnail, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, nil
	})

	doomed := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	doomed.MaxRetries = 0
	store.Enqueue(doomed)

	pool := newTestPool(t, store, registry)
	pool.Start()

	waitForStatus(t, store, doomed.ID, StatusFailed, 3*time.Second)
	job, _ := store.Get(doomed.ID)
	if job.ErrorMessage == "" {
		t.Error("Panic message not recorded")
	}

	// The pit must still be able to perform the next piece
	next := mustJob(t, TypeThumbnail, PriorityNormal, "roadie")
	store.Enqueue(next)
	waitForStatus(t, store, next.ID, StatusCompleted, 3*time.Second)

	health := pool.Health()
	if health.LiveLoops != health.ConfiguredLoops {
		t.Errorf("Loops died with the panic: %d/%d live", health.LiveLoops, health.ConfiguredLoops)
	}

	t.Log("✓ The show went on after the meltdown")
}

// TestPoolFailsUnregisteredType tests that a job with no handler fails
// terminally instead of retrying forever
func TestPoolFailsUnregisteredType(t *testing.T) {
	t.Log("🎻 A piece arrives with no sheet music...")

	store := newTestStore(t)
	registry := NewRegistry()

	job := mustJob(t, TypeIndexing, PriorityNormal, "roadie")
	job.RetryDelay = 5 * time.Millisecond
	store.Enqueue(job)

	pool := newTestPool(t, store, registry)
	pool.Start()

	waitForStatus(t, store, job.ID, StatusFailed, 3*time.Second)
	got, _ := store.Get(job.ID)
	if got.RetryCount != 0 {
		t.Errorf("Unhandleable job should not retry, retry_count=%d", got.RetryCount)
	}

	t.Log("✓ The unplayable piece was struck from the program at once")
}

// TestPoolRetriesTransientFailure tests that a handler error retries and
// eventually succeeds
func TestPoolRetriesTransientFailure(t *testing.T) {
	t.Log("🔥 Smoky's effect misfires once, then lands...")

	store := newTestStore(t)
	registry := NewRegistry()

	var attempts atomic.Int32
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("flash pot jammed")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	job := mustJob(t, TypeDownload, PriorityNormal, "smoky")
	job.RetryDelay = 10 * time.Millisecond
	store.Enqueue(job)

	pool := newTestPool(t, store, registry)
	pool.Start()

	waitForStatus(t, store, job.ID, StatusCompleted, 5*time.Second)
	got, _ := store.Get(job.ID)
	if got.RetryCount != 1 {
		t.Errorf("Expected one retry, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "flash pot jammed" {
		t.Errorf("First failure not recorded: %q", got.ErrorMessage)
	}

	t.Log("✓ Second attempt brought the house down")
}

// TestPoolFatalErrorSkipsRetry tests that Fatal handler errors end the job
// immediately even with retry budget left
func TestPoolFatalErrorSkipsRetry(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, Fatalf("payload is gibberish")
	})

	job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	store.Enqueue(job)

	pool := newTestPool(t, store, registry)
	pool.Start()

	waitForStatus(t, store, job.ID, StatusFailed, 3*time.Second)
	got, _ := store.Get(job.ID)
	if got.RetryCount != 0 {
		t.Errorf("Fatal error should not retry, retry_count=%d", got.RetryCount)
	}
}

// TestPoolStopIsBounded tests that Stop returns even while a handler hangs
func TestPoolStopIsBounded(t *testing.T) {
	t.Log("🎻 The house closes while one player refuses to stop...")

	store := newTestStore(t)
	registry := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		close(started)
		<-release
		return nil, nil
	})

	job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	store.Enqueue(job)

	pool := NewPool(context.Background(), store, registry, PoolConfig{
		Workers:         1,
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
	}, logger.NewTestLogger())
	pool.Start()
	defer close(release)

	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within the shutdown timeout")
	}

	t.Log("✓ The lights went out on schedule")
}

// TestPoolHealthSnapshot tests the health report fields
func TestPoolHealthSnapshot(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registerStub(registry, TypeDownload, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, nil
	})

	job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	store.Enqueue(job)

	pool := newTestPool(t, store, registry)
	pool.Start()
	waitForStatus(t, store, job.ID, StatusCompleted, 3*time.Second)

	// The completed counter increments just after the status flip; give it
	// a moment
	deadline := time.Now().Add(time.Second)
	for pool.Health().Completed != 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	health := pool.Health()
	if health.ConfiguredLoops != 2 {
		t.Errorf("Expected 2 configured loops, got %d", health.ConfiguredLoops)
	}
	if health.Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", health.Completed)
	}
	if health.Uptime <= 0 {
		t.Error("Uptime not tracked")
	}
}
