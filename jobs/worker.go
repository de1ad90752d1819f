package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/sym"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_jobs_processed_total",
		Help: "Jobs pulled from the queue and executed, by job type.",
	}, []string{"type"})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_jobs_failed_total",
		Help: "Job attempts that ended in failure, by job type.",
	}, []string{"type"})
	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_handler_panics_total",
		Help: "Handler panics contained by the worker pool.",
	})
)

// PoolConfig contains configuration for the worker pool.
type PoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent worker loops
	PollInterval    time.Duration `json:"poll_interval"`    // How often an idle loop checks for jobs
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for in-flight jobs
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:         4,
		PollInterval:    250 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs a fixed set of worker loops that drain the Store and dispatch
// jobs to registered handlers.
//
// The pool is the blast-radius boundary for handler failures: every error
// and every panic from a handler is converted into a Store Fail call, so a
// buggy handler can never take down a loop. A loop that dies some other way
// logs and restarts itself rather than silently shrinking the pool.
type Pool struct {
	store    *Store
	registry *Registry
	config   PoolConfig
	logger   *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	liveLoops      atomic.Int32
	completedCount atomic.Int64
	failedCount    atomic.Int64
	startTime      time.Time
	mu             sync.Mutex
	running        bool
}

// NewPool creates a worker pool. Handlers must be registered on the
// registry before Start.
func NewPool(ctx context.Context, store *Store, registry *Registry, config PoolConfig, logger *zap.SugaredLogger) *Pool {
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		store:     store,
		registry:  registry,
		config:    config,
		logger:    logger.Named("pool"),
		parentCtx: ctx,
		ctx:       poolCtx,
		cancel:    cancel,
	}
}

// Start spawns the configured number of worker loops.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	// Recreate the context if a previous Stop cancelled it
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	p.running = true
	p.startTime = time.Now()
	p.mu.Unlock()

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.runLoop(i)
	}
	p.logger.Infow("Worker pool started",
		"symbol", sym.Worker,
		"workers", p.config.Workers,
		"poll_interval", p.config.PollInterval,
	)
}

// Stop signals all loops to stop accepting new jobs and waits, bounded by
// the shutdown timeout, for in-flight jobs to finish before forcing
// cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Worker pool stopped - all loops exited cleanly", "symbol", sym.Worker)
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warnw("Worker pool stop timeout - abandoning in-flight work",
			"symbol", sym.Worker,
			"timeout", p.config.ShutdownTimeout,
		)
	}
}

// Health reports pool liveness for operational checks.
type Health struct {
	LiveLoops       int           `json:"live_loops"`
	ConfiguredLoops int           `json:"configured_loops"`
	QueueDepth      int           `json:"queue_depth"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	Uptime          time.Duration `json:"uptime"`
}

// Health returns a snapshot of pool health.
func (p *Pool) Health() Health {
	p.mu.Lock()
	started := p.startTime
	p.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return Health{
		LiveLoops:       int(p.liveLoops.Load()),
		ConfiguredLoops: p.config.Workers,
		QueueDepth:      p.store.Depth(),
		Completed:       p.completedCount.Load(),
		Failed:          p.failedCount.Load(),
		Uptime:          uptime,
	}
}

// runLoop is one worker execution loop. If the loop body escapes with a
// panic that did not come from a handler (a pool bug), the loop logs and
// restarts itself instead of disappearing from the pool.
func (p *Pool) runLoop(id int) {
	defer p.wg.Done()

	for {
		exited := p.loopBody(id)
		if exited {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.logger.Errorw("Worker loop crashed, restarting",
			"symbol", sym.Worker,
			"worker_id", id,
		)
	}
}

// loopBody polls for jobs until shutdown. Returns true on clean exit,
// false if it escaped via a contained loop-level panic.
func (p *Pool) loopBody(id int) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			clean = false
		}
	}()

	p.liveLoops.Add(1)
	defer p.liveLoops.Add(-1)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return true
		case <-ticker.C:
			// Drain until empty so a burst does not wait a tick per job
			for p.processNext(id) {
				select {
				case <-p.ctx.Done():
					return true
				default:
				}
			}
		}
	}
}

// processNext dequeues and executes at most one job.
// Returns true if a job was processed (more may be ready).
func (p *Pool) processNext(workerID int) bool {
	job := p.store.Dequeue()
	if job == nil {
		return false
	}

	workerName := fmt.Sprintf("worker-%d", workerID)
	jobsProcessed.WithLabelValues(string(job.Type)).Inc()
	p.store.Log(job.ID, "info", fmt.Sprintf("dequeued by %s", workerName), workerName)

	factory := p.registry.Get(job.Type)
	if factory == nil {
		p.logger.Errorw("No handler registered for job type",
			"symbol", sym.Worker,
			"job_id", job.ID,
			"type", job.Type,
		)
		p.failJob(job, errors.Newf("no handler registered for job type: %s", job.Type), false, workerName)
		return true
	}

	result, err := p.execute(factory(), job)
	if err != nil {
		p.failJob(job, err, !IsFatal(err), workerName)
		return true
	}

	if err := p.store.Complete(job.ID, result); err != nil {
		p.logger.Warnw("Failed to complete job", "job_id", job.ID, "error", err)
	}
	p.completedCount.Add(1)
	p.store.Log(job.ID, "info", "completed", workerName)
	return true
}

// execute runs a single handler attempt with panic containment. A panic is
// a handler defect, reported as a retryable failure rather than a crashed
// loop.
func (p *Pool) execute(handler Handler, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Inc()
			p.logger.Errorw("Handler panicked",
				"symbol", sym.Worker,
				"job_id", job.ID,
				"type", job.Type,
				"panic", r,
			)
			err = errors.Newf("handler panic: %v", r)
		}
	}()

	return handler.Execute(p.ctx, job)
}

func (p *Pool) failJob(job *Job, jobErr error, retry bool, workerName string) {
	p.failedCount.Add(1)
	jobsFailed.WithLabelValues(string(job.Type)).Inc()
	p.store.Log(job.ID, "error", jobErr.Error(), workerName)
	if err := p.store.Fail(job.ID, jobErr, retry); err != nil {
		p.logger.Warnw("Failed to record job failure", "job_id", job.ID, "error", err)
	}
}
