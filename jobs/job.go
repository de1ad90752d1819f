// Package jobs implements Mosaic's background job subsystem: the job model,
// the priority queue with lifecycle transitions, the worker pool, the event
// broadcaster, and the optional durable mirror.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicvideo/mosaic/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusRetrying   JobStatus = "retrying"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusQueued, StatusProcessing, StatusCompleted,
		StatusFailed, StatusRetrying, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobType identifies which handler executes a job. The set is closed:
// submissions with an unrecognized type are rejected before enqueue.
type JobType string

const (
	TypeEnrichment         JobType = "enrichment"
	TypeDownload           JobType = "download"
	TypeBulkOperation      JobType = "bulk_operation"
	TypeThumbnail          JobType = "thumbnail"
	TypeCleanup            JobType = "cleanup"
	TypeQualityAnalyze     JobType = "quality_analyze"
	TypeQualityUpgrade     JobType = "quality_upgrade"
	TypeIndexing           JobType = "indexing"
	TypeScheduledDownload  JobType = "scheduled_download"
	TypeScheduledDiscovery JobType = "scheduled_discovery"
)

// IsValidType returns true if the type string is a recognized JobType
func IsValidType(s string) bool {
	switch JobType(s) {
	case TypeEnrichment, TypeDownload, TypeBulkOperation, TypeThumbnail,
		TypeCleanup, TypeQualityAnalyze, TypeQualityUpgrade, TypeIndexing,
		TypeScheduledDownload, TypeScheduledDiscovery:
		return true
	default:
		return false
	}
}

// Priority determines dequeue order: higher first, FIFO within a tier.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// ParsePriority maps the wire spelling to a Priority; empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, errors.NewValidationError("unknown priority: %s", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// MarshalJSON encodes the priority by name for API consumers.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the wire spelling.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Submission clamps (§6 of the external contract).
const (
	MinRetries    = 0
	MaxRetriesCap = 10
	MinRetryDelay = 5 * time.Second
	MaxRetryDelay = 3600 * time.Second

	DefaultMaxRetries = 3
	DefaultRetryDelay = 30 * time.Second
)

// Job represents a unit of background work tracked through its lifecycle.
// The Store owns the canonical copy for the job's whole life; handlers and
// callers interact through the Store's synchronized API, never by mutating
// a Job they hold directly.
type Job struct {
	ID           string            `json:"id"`
	Type         JobType           `json:"type"`
	Status       JobStatus         `json:"status"`
	Priority     Priority          `json:"priority"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	RetryDelay   time.Duration     `json:"retry_delay"`
	CreatedBy    string            `json:"created_by,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`

	// seq is the arrival order stamp assigned by the Store at enqueue.
	// Ties within a priority tier break on it, never on id or payload.
	seq uint64
}

// NewJob creates a queued job with a generated id. The type must be a
// recognized JobType; retry policy values are clamped to their ranges.
func NewJob(jobType JobType, priority Priority, payload json.RawMessage, createdBy string) (*Job, error) {
	if !IsValidType(string(jobType)) {
		return nil, errors.NewValidationError("unknown job type: %s", jobType)
	}

	now := time.Now()
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     StatusQueued,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// WithRetryPolicy sets max retries and delay, clamped to the submission
// contract's ranges.
func (j *Job) WithRetryPolicy(maxRetries int, retryDelay time.Duration) *Job {
	j.MaxRetries = clampInt(maxRetries, MinRetries, MaxRetriesCap)
	j.RetryDelay = clampDuration(retryDelay, MinRetryDelay, MaxRetryDelay)
	return j
}

// WithTag attaches free-form grouping metadata (never used for routing).
func (j *Job) WithTag(key, value string) *Job {
	if j.Tags == nil {
		j.Tags = make(map[string]string)
	}
	j.Tags[key] = value
	return j
}

// Clone returns a deep-enough copy safe to hand outside the Store lock.
func (j *Job) Clone() *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Tags != nil {
		out.Tags = make(map[string]string, len(j.Tags))
		for k, v := range j.Tags {
			out.Tags[k] = v
		}
	}
	return &out
}

// start marks the job processing; started_at is stamped exactly once.
func (j *Job) start() {
	now := time.Now()
	j.Status = StatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
}

// complete marks the job completed with its result.
func (j *Job) complete(result json.RawMessage) {
	now := time.Now()
	j.Status = StatusCompleted
	j.Result = result
	j.Progress = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// failTerminal marks the job failed with no further retries.
func (j *Job) failTerminal(msg string) {
	now := time.Now()
	j.Status = StatusFailed
	j.ErrorMessage = msg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// cancel marks the job cancelled.
func (j *Job) cancel() {
	now := time.Now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// requeue resets a retrying job for another attempt.
func (j *Job) requeue() {
	j.Status = StatusQueued
	j.StartedAt = nil
	j.Progress = 0
	j.UpdatedAt = time.Now()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
