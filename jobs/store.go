package jobs

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/sym"
)

// readyQueue orders queued jobs by priority (higher first) then arrival
// sequence (FIFO within a tier). Removal is lazy: cancelled or otherwise
// transitioned entries are skipped when popped.
type readyQueue []*Job

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*Job)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// Store holds all known jobs and enforces the lifecycle state machine:
//
//	queued → processing → {completed | failed | retrying}
//	retrying → queued (timer-based re-enqueue after backoff)
//	queued → cancelled
//
// All other transitions are rejected with ErrInvalidTransition. A single
// coarse mutex guards the job map and the ready heap, so at most one
// dequeuer ever holds a given job and every operation is atomic with
// respect to the others.
//
// Broadcast and mirror writes happen while the mutex is still held, so
// subscribers and the durable copy observe a job's transitions in the
// order the store applied them. The broadcaster send is buffered and
// non-blocking, so the lock is never held on a slow consumer.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	ready  readyQueue
	seq    uint64
	timers map[string]*time.Timer // pending retry re-enqueues by job id
	closed bool

	broadcaster *Broadcaster
	mirror      Mirror // optional; best-effort, never authoritative
	logger      *zap.SugaredLogger
}

// NewStore creates an empty job store. The broadcaster is required; the
// mirror may be nil to run without durability.
func NewStore(broadcaster *Broadcaster, mirror Mirror, logger *zap.SugaredLogger) *Store {
	return &Store{
		jobs:        make(map[string]*Job),
		timers:      make(map[string]*time.Timer),
		broadcaster: broadcaster,
		mirror:      mirror,
		logger:      logger,
	}
}

// Broadcaster returns the event broadcaster for wiring subscribers.
func (s *Store) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Close stops pending retry timers. Jobs caught mid-backoff stay in
// retrying state; the mirror's recovery path re-queues them on restart.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Enqueue inserts a job in queued state into the ready structure.
// Fails only if the job id already exists.
func (s *Store) Enqueue(job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return "", errors.Wrapf(errors.ErrDuplicateJob, "job %s", job.ID)
	}
	if job.Status != StatusQueued {
		return "", errors.Wrapf(errors.ErrInvalidTransition, "enqueue requires queued status, got %s", job.Status)
	}

	s.seq++
	job.seq = s.seq
	s.jobs[job.ID] = job
	heap.Push(&s.ready, job)

	s.logger.Infow("Job enqueued",
		"symbol", sym.Job,
		"job_id", job.ID,
		"type", job.Type,
		"priority", job.Priority.String(),
	)
	s.broadcaster.Broadcast(job.ID, EventQueued, statusData(job))
	s.mirrorSave(job)
	return job.ID, nil
}

// Dequeue removes and returns the highest-priority, earliest-arrived ready
// job, transitioned to processing with started_at stamped. Returns nil when
// no job is ready; callers poll so they can observe shutdown between calls.
func (s *Store) Dequeue() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *Job
	for s.ready.Len() > 0 {
		candidate := heap.Pop(&s.ready).(*Job)
		// Lazy removal: skip entries that left queued while heaped
		// (cancelled, or stale after a retry re-push).
		if current, ok := s.jobs[candidate.ID]; ok && current == candidate && candidate.Status == StatusQueued {
			job = candidate
			break
		}
	}
	if job == nil {
		return nil
	}

	job.start()
	s.broadcaster.Broadcast(job.ID, EventStarted, statusData(job))
	s.mirrorSave(job)
	return job.Clone()
}

// UpdateProgress clamps progress to [0,100] and updates the message.
// Unknown or terminal jobs are a logged no-op: a stale id is a caller bug,
// not a reason to crash the subsystem.
func (s *Store) UpdateProgress(id string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Warnw("Progress update for unknown job", "job_id", id)
		return errors.Wrapf(errors.ErrUnknownJob, "update_progress %s", id)
	}
	if job.Status.IsTerminal() {
		s.logger.Debugw("Progress update for terminal job ignored", "job_id", id, "status", job.Status)
		return nil
	}

	job.Progress = clampInt(progress, 0, 100)
	job.Message = message
	job.UpdatedAt = time.Now()

	s.broadcaster.Broadcast(id, EventProgress, progressData(job))
	s.mirrorSave(job)
	return nil
}

// Complete sets status completed, stamps completed_at, forces progress to
// 100 and stores the result. Calling it on an already-terminal job is a
// no-op.
func (s *Store) Complete(id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Warnw("Complete for unknown job", "job_id", id)
		return errors.Wrapf(errors.ErrUnknownJob, "complete %s", id)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status != StatusProcessing {
		return errors.Wrapf(errors.ErrInvalidTransition, "complete from %s", job.Status)
	}

	job.complete(result)

	s.logger.Infow("Job completed",
		"symbol", sym.Job,
		"job_id", id,
		"type", job.Type,
	)
	s.broadcaster.Broadcast(id, EventCompleted, statusData(job))
	s.mirrorSave(job)
	return nil
}

// Fail records a handler failure. A retry-eligible job (retry true and
// retry_count < max_retries) moves to retrying and is re-enqueued after a
// linear backoff of retry_delay × attempt number; the wait runs on a timer
// so it never occupies a worker loop. Otherwise the job fails terminally.
func (s *Store) Fail(id string, jobErr error, retry bool) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Warnw("Fail for unknown job", "job_id", id, "error", msg)
		return errors.Wrapf(errors.ErrUnknownJob, "fail %s", id)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status != StatusProcessing {
		return errors.Wrapf(errors.ErrInvalidTransition, "fail from %s", job.Status)
	}

	if retry && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = StatusRetrying
		job.ErrorMessage = msg
		job.Message = retryMessage(job.RetryCount, job.MaxRetries)
		job.UpdatedAt = time.Now()
		backoff := job.RetryDelay * time.Duration(job.RetryCount)
		if !s.closed {
			s.timers[id] = time.AfterFunc(backoff, func() { s.requeueAfterBackoff(id) })
		}

		s.logger.Warnw("Job retrying",
			"symbol", sym.Job,
			"job_id", id,
			"retry_count", job.RetryCount,
			"max_retries", job.MaxRetries,
			"backoff", backoff,
			"error", msg,
		)
		s.broadcaster.Broadcast(id, EventRetrying, statusData(job))
		s.mirrorSave(job)
		return nil
	}

	job.failTerminal(msg)

	s.logger.Errorw("Job failed",
		"symbol", sym.Job,
		"job_id", id,
		"type", job.Type,
		"retry_count", job.RetryCount,
		"error", msg,
	)
	s.broadcaster.Broadcast(id, EventFailed, statusData(job))
	s.mirrorSave(job)
	return nil
}

// requeueAfterBackoff returns a retrying job to the ready queue once its
// backoff elapses.
func (s *Store) requeueAfterBackoff(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, id)
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusRetrying || s.closed {
		return
	}

	job.requeue()
	s.seq++
	job.seq = s.seq
	heap.Push(&s.ready, job)

	s.logger.Infow("Job re-enqueued after backoff",
		"symbol", sym.Job,
		"job_id", id,
		"retry_count", job.RetryCount,
	)
	s.broadcaster.Broadcast(id, EventQueued, statusData(job))
	s.mirrorSave(job)
}

// Cancel transitions a job to cancelled. It succeeds only while the job is
// still queued; cancellation of in-progress work is not supported - workers
// never preempt a running handler.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != StatusQueued {
		return false
	}

	job.cancel()

	s.logger.Infow("Job cancelled", "symbol", sym.Job, "job_id", id)
	s.broadcaster.Broadcast(id, EventCancelled, statusData(job))
	s.mirrorSave(job)
	return true
}

// Cleanup removes terminal jobs whose completed_at predates the cutoff.
// Non-terminal jobs are never removed. Returns the count removed.
func (s *Store) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if _, err := s.mirror.DeleteOlderThan(cutoff); err != nil {
			s.logger.Warnw("Mirror cleanup failed", "error", err)
		}
	}
	if removed > 0 {
		s.logger.Infow("Cleaned up old jobs", "symbol", sym.Job, "removed", removed)
	}
	return removed
}

// Get returns a snapshot of the job, or ErrUnknownJob.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownJob, "get %s", id)
	}
	return job.Clone(), nil
}

// ListByCreator returns the most recent jobs for a creator, newest first,
// optionally filtered by status and type.
func (s *Store) ListByCreator(createdBy string, status *JobStatus, jobType *JobType, limit int) []*Job {
	s.mu.Lock()
	var matched []*Job
	for _, job := range s.jobs {
		if job.CreatedBy != createdBy {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		if jobType != nil && job.Type != *jobType {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.Unlock()

	sortJobsNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Depth returns the number of jobs currently in queued state.
func (s *Store) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			depth++
		}
	}
	return depth
}

// Stats returns job counts by status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// GetStats returns queue statistics.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{}
	for _, job := range s.jobs {
		switch job.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusRetrying:
			stats.Retrying++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		stats.Total++
	}
	return stats
}

// Log appends a step-level entry to the execution log. Best-effort: mirror
// failures are logged and swallowed.
func (s *Store) Log(jobID, level, message, worker string) {
	if s.mirror == nil {
		return
	}
	entry := LogEntry{
		JobID:     jobID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Worker:    worker,
	}
	if err := s.mirror.AppendLog(entry); err != nil {
		s.logger.Warnw("Mirror log append failed", "job_id", jobID, "error", err)
	}
}

// restore reinstates a recovered job without emitting events. Used only by
// mirror recovery before workers start.
func (s *Store) restore(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return errors.Wrapf(errors.ErrDuplicateJob, "restore %s", job.ID)
	}
	s.seq++
	job.seq = s.seq
	s.jobs[job.ID] = job
	if job.Status == StatusQueued {
		heap.Push(&s.ready, job)
	}
	return nil
}

// mirrorSave writes the job's current state to the mirror. Called with the
// store mutex held, which keeps the mirror's writes for one job in the same
// order as its transitions. A persistence failure is logged but never
// affects the in-memory state it was mirroring.
func (s *Store) mirrorSave(job *Job) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SaveJob(job); err != nil {
		s.logger.Warnw("Mirror write failed",
			"symbol", sym.DB,
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)
	}
}

func retryMessage(attempt, max int) string {
	return fmt.Sprintf("retry attempt %d/%d", attempt, max)
}

func statusData(job *Job) map[string]interface{} {
	return map[string]interface{}{
		"status":   job.Status,
		"progress": job.Progress,
		"message":  job.Message,
		"error":    job.ErrorMessage,
	}
}

func progressData(job *Job) map[string]interface{} {
	return map[string]interface{}{
		"progress": job.Progress,
		"message":  job.Message,
	}
}

func sortJobsNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
