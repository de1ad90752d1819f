package jobs

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/sym"
)

// LogEntry is one step-level line in a job's execution log.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Worker    string    `json:"worker"`
}

// Mirror persists job records and execution-step logs for crash recovery,
// history, and operational inspection. It is best-effort and off the
// critical path: callers log persist errors and keep going, and it is never
// the source of truth while the process is live.
type Mirror interface {
	SaveJob(job *Job) error
	AppendLog(entry LogEntry) error
	DeleteOlderThan(cutoff time.Time) (int, error)
}

// SQLiteMirror implements Mirror on the jobs/job_logs tables.
type SQLiteMirror struct {
	db *sql.DB
}

// NewSQLiteMirror creates a mirror over an opened database. The schema is
// applied by db.Migrate, not here.
func NewSQLiteMirror(db *sql.DB) *SQLiteMirror {
	return &SQLiteMirror{db: db}
}

// SaveJob upserts the job row.
func (m *SQLiteMirror) SaveJob(job *Job) error {
	tagsJSON, err := marshalTags(job.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}

	query := `
		INSERT INTO jobs (
			id, type, status, priority, payload, result,
			progress, message, error_message,
			retry_count, max_retries, retry_delay_s,
			created_by, tags,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			result = excluded.result,
			progress = excluded.progress,
			message = excluded.message,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	result := sql.NullString{String: string(job.Result), Valid: len(job.Result) > 0}

	_, err = m.db.Exec(query,
		job.ID,
		string(job.Type),
		string(job.Status),
		int(job.Priority),
		payload,
		result,
		job.Progress,
		job.Message,
		job.ErrorMessage,
		job.RetryCount,
		job.MaxRetries,
		int(job.RetryDelay/time.Second),
		job.CreatedBy,
		tagsJSON,
		job.CreatedAt,
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save job")
	}
	return nil
}

// AppendLog inserts one execution-log row.
func (m *SQLiteMirror) AppendLog(entry LogEntry) error {
	query := `INSERT INTO job_logs (job_id, ts, level, message, worker) VALUES (?, ?, ?, ?, ?)`
	_, err := m.db.Exec(query, entry.JobID, entry.Timestamp, entry.Level, entry.Message, entry.Worker)
	if err != nil {
		return errors.Wrap(err, "failed to append job log")
	}
	return nil
}

// ListLogs returns the execution log for a job in timestamp order.
func (m *SQLiteMirror) ListLogs(jobID string, limit int) ([]LogEntry, error) {
	query := `SELECT job_id, ts, level, message, worker FROM job_logs WHERE job_id = ? ORDER BY ts ASC LIMIT ?`
	rows, err := m.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.JobID, &e.Timestamp, &e.Level, &e.Message, &e.Worker); err != nil {
			return nil, errors.Wrap(err, "failed to scan job log")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job logs")
	}
	return entries, nil
}

// DeleteOlderThan removes terminal job rows whose completed_at predates the
// cutoff, along with their logs. Returns the number of job rows removed.
func (m *SQLiteMirror) DeleteOlderThan(cutoff time.Time) (int, error) {
	logQuery := `
		DELETE FROM job_logs WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at < ?
		)
	`
	if _, err := m.db.Exec(logQuery, cutoff); err != nil {
		return 0, errors.Wrap(err, "failed to delete old job logs")
	}

	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < ?
	`
	result, err := m.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// MaxRecoveredJobs bounds how many mirrored jobs recovery will re-load
// after a crash so a huge backlog cannot overwhelm startup.
const MaxRecoveredJobs = 1000

// RecoverInto reloads non-terminal mirrored jobs into the store after a
// crash. Jobs caught in processing or retrying are reset to queued with
// progress cleared - the attempt they were in is lost and will rerun.
// Must be called before workers start.
func (m *SQLiteMirror) RecoverInto(store *Store, logger *zap.SugaredLogger) (int, error) {
	query := `
		SELECT id, type, status, priority, payload, result,
		       progress, message, error_message,
		       retry_count, max_retries, retry_delay_s,
		       created_by, tags,
		       created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE status IN ('queued', 'processing', 'retrying')
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`
	rows, err := m.db.Query(query, MaxRecoveredJobs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query recoverable jobs")
	}
	defer rows.Close()

	recovered := 0
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return recovered, err
		}

		if job.Status != StatusQueued {
			logger.Infow("Recovering orphaned job",
				"symbol", sym.Job,
				"job_id", job.ID,
				"previous_status", job.Status,
			)
			job.requeue()
		}
		if err := store.restore(job); err != nil {
			logger.Warnw("Failed to restore mirrored job", "job_id", job.ID, "error", err)
			continue
		}
		if err := m.SaveJob(job); err != nil {
			logger.Warnw("Failed to persist recovered job state", "job_id", job.ID, "error", err)
		}
		recovered++
	}
	if err := rows.Err(); err != nil {
		return recovered, errors.Wrap(err, "error iterating recoverable jobs")
	}

	if recovered > 0 {
		logger.Infow("Recovered jobs from mirror", "symbol", sym.Job, "count", recovered)
	}
	return recovered, nil
}

// scanJob reads one job row.
func scanJob(rows *sql.Rows) (*Job, error) {
	var (
		job            Job
		jobType        string
		status         string
		priority       int
		payload        sql.NullString
		result         sql.NullString
		retryDelayS    int
		tagsJSON       sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := rows.Scan(
		&job.ID, &jobType, &status, &priority, &payload, &result,
		&job.Progress, &job.Message, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries, &retryDelayS,
		&job.CreatedBy, &tagsJSON,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}

	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.Priority = Priority(priority)
	job.RetryDelay = time.Duration(retryDelayS) * time.Second
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &job.Tags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func marshalTags(tags map[string]string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
