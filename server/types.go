package server

import (
	"encoding/json"

	"github.com/mosaicvideo/mosaic/jobs"
)

// ClientMessage is an inbound WebSocket request.
type ClientMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	Status    string `json:"status,omitempty"`
	JobType   string `json:"job_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AckMessage confirms a subscribe or unsubscribe request.
type AckMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// ErrorMessage reports a failed WebSocket request.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

// JobUpdateMessage pushes a live job event to subscribed clients.
type JobUpdateMessage struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id"`
	Event     jobs.EventType         `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// JobDetailsMessage answers a get_job_details request.
type JobDetailsMessage struct {
	Type string          `json:"type"`
	Job  *jobs.Job       `json:"job"`
	Logs []jobs.LogEntry `json:"logs,omitempty"`
}

// UserJobsMessage answers a get_user_jobs request.
type UserJobsMessage struct {
	Type      string      `json:"type"`
	CreatedBy string      `json:"created_by"`
	Jobs      []*jobs.Job `json:"jobs"`
}

// SubmitRequest is the HTTP job submission body.
type SubmitRequest struct {
	Type       string            `json:"type"`
	Priority   string            `json:"priority,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
	RetryDelay *int              `json:"retry_delay_seconds,omitempty"`
	CreatedBy  string            `json:"created_by,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SubmitResponse returns the accepted job.
type SubmitResponse struct {
	JobID  string         `json:"job_id"`
	Status jobs.JobStatus `json:"status"`
}

// CancelResponse reports the cancel outcome.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// ScheduleRequest creates a recurring schedule.
type ScheduleRequest struct {
	JobType         string          `json:"job_type"`
	Priority        string          `json:"priority,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IntervalSeconds int             `json:"interval_seconds"`
	CreatedBy       string          `json:"created_by,omitempty"`
}

// HealthResponse reports process and pool health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Pool    jobs.Health `json:"pool"`
	Queue   jobs.Stats  `json:"queue"`
	Clients int         `json:"clients"`
}
