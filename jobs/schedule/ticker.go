package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// DefaultTickInterval is how often the ticker scans for due schedules.
const DefaultTickInterval = time.Second

// Ticker scans for due schedules and enqueues a job per firing. A schedule
// whose previous job is still running is skipped until it finishes, so a
// slow job cannot stack copies of itself.
type Ticker struct {
	schedules *Store
	queue     *jobs.Store
	interval  time.Duration
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewTicker creates a ticker. Zero interval means DefaultTickInterval.
func NewTicker(schedules *Store, queue *jobs.Store, interval time.Duration, logger *zap.SugaredLogger) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		schedules: schedules,
		queue:     queue,
		interval:  interval,
		logger:    logger.Named("schedule"),
	}
}

// Start launches the scan loop.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(tickCtx)

	t.logger.Infow("Schedule ticker started", "symbol", sym.Schedule, "interval", t.interval)
}

// Stop halts the scan loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Infow("Schedule ticker stopped", "symbol", sym.Schedule)
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fireDue(time.Now().UTC())
		}
	}
}

// fireDue enqueues one job per due schedule.
func (t *Ticker) fireDue(now time.Time) {
	due, err := t.schedules.Due(now)
	if err != nil {
		t.logger.Warnw("Failed to query due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if t.previousStillRunning(sched) {
			t.logger.Debugw("Skipping schedule with running job",
				"schedule_id", sched.ID,
				"last_job_id", sched.LastJobID,
			)
			// Push next_run_at forward so the skip is not retried every tick
			if err := t.schedules.MarkRun(sched.ID, sched.LastJobID, now); err != nil {
				t.logger.Warnw("Failed to defer schedule", "schedule_id", sched.ID, "error", err)
			}
			continue
		}

		job, err := jobs.NewJob(sched.JobType, sched.Priority, sched.Payload, sched.CreatedBy)
		if err != nil {
			t.logger.Errorw("Schedule produced an invalid job, disabling",
				"schedule_id", sched.ID,
				"job_type", sched.JobType,
				"error", err,
			)
			if err := t.schedules.SetState(sched.ID, StateDisabled); err != nil {
				t.logger.Warnw("Failed to disable schedule", "schedule_id", sched.ID, "error", err)
			}
			continue
		}
		job.WithTag("schedule_id", sched.ID)

		jobID, err := t.queue.Enqueue(job)
		if err != nil {
			t.logger.Warnw("Failed to enqueue scheduled job", "schedule_id", sched.ID, "error", err)
			continue
		}
		if err := t.schedules.MarkRun(sched.ID, jobID, now); err != nil {
			t.logger.Warnw("Failed to mark schedule run", "schedule_id", sched.ID, "error", err)
		}

		t.logger.Infow("Scheduled job enqueued",
			"symbol", sym.Schedule,
			"schedule_id", sched.ID,
			"job_id", jobID,
			"job_type", sched.JobType,
		)
	}
}

// previousStillRunning reports whether the schedule's last minted job is
// still in flight.
func (t *Ticker) previousStillRunning(sched *Schedule) bool {
	if sched.LastJobID == "" {
		return false
	}
	job, err := t.queue.Get(sched.LastJobID)
	if err != nil {
		// Unknown job means it was cleaned up; treat as finished
		return false
	}
	return !job.Status.IsTerminal()
}
