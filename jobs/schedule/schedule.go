// Package schedule mints recurring jobs into the queue. A Schedule is a
// durable row describing what to enqueue and how often; the Ticker scans for
// due schedules and submits a job per firing.
package schedule

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
)

// Schedule states.
const (
	StateActive   = "active"
	StatePaused   = "paused"
	StateDisabled = "disabled"
)

// MinInterval is the smallest allowed firing interval.
const MinInterval = time.Minute

// Schedule is one recurring job definition.
type Schedule struct {
	ID        string          `json:"id"`
	JobType   jobs.JobType    `json:"job_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  jobs.Priority   `json:"priority"`
	Interval  time.Duration   `json:"interval"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastJobID string          `json:"last_job_id,omitempty"`
	State     string          `json:"state"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New creates an active schedule that first fires one interval from now.
func New(jobType jobs.JobType, priority jobs.Priority, payload json.RawMessage, interval time.Duration, createdBy string) (*Schedule, error) {
	if !jobs.IsValidType(string(jobType)) {
		return nil, errors.NewValidationError("unknown job type: %s", jobType)
	}
	if interval < MinInterval {
		return nil, errors.NewValidationError("interval %s below minimum %s", interval, MinInterval)
	}

	now := time.Now().UTC()
	next := now.Add(interval)
	return &Schedule{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Payload:   payload,
		Priority:  priority,
		Interval:  interval,
		NextRunAt: &next,
		State:     StateActive,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Store persists schedules in the schedules table.
type Store struct {
	db *sql.DB
}

// NewStore creates a schedule store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a schedule.
func (s *Store) Create(sched *Schedule) error {
	query := `
		INSERT INTO schedules (
			id, job_type, payload, priority, interval_seconds,
			next_run_at, last_run_at, last_job_id, state,
			created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	payload := sql.NullString{String: string(sched.Payload), Valid: len(sched.Payload) > 0}
	_, err := s.db.Exec(query,
		sched.ID,
		string(sched.JobType),
		payload,
		int(sched.Priority),
		int(sched.Interval/time.Second),
		nullableTime(sched.NextRunAt),
		nullableTime(sched.LastRunAt),
		sched.LastJobID,
		sched.State,
		sched.CreatedBy,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// Get returns one schedule by id.
func (s *Store) Get(id string) (*Schedule, error) {
	row := s.db.QueryRow(selectColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(errors.ErrNotFound)
	}
	return sched, err
}

// List returns all schedules, newest first.
func (s *Store) List() ([]*Schedule, error) {
	rows, err := s.db.Query(selectColumns + ` FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedules")
	}
	return schedules, nil
}

// Due returns active schedules whose next_run_at has passed.
func (s *Store) Due(now time.Time) ([]*Schedule, error) {
	query := selectColumns + `
		FROM schedules
		WHERE state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`
	rows, err := s.db.Query(query, StateActive, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due schedules")
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating due schedules")
	}
	return due, nil
}

// MarkRun records a firing: last run now, next run one interval out.
func (s *Store) MarkRun(id, jobID string, now time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = ?, last_job_id = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`
	next := now.Add(s.intervalOf(id))
	result, err := s.db.Exec(query, now, jobID, next, now, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark schedule run")
	}
	return checkUpdated(result)
}

// SetState transitions a schedule between active, paused, and disabled.
func (s *Store) SetState(id, state string) error {
	if state != StateActive && state != StatePaused && state != StateDisabled {
		return errors.NewValidationError("unknown schedule state: %s", state)
	}
	query := `UPDATE schedules SET state = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, state, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to set schedule state")
	}
	return checkUpdated(result)
}

// Delete removes a schedule.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	return checkUpdated(result)
}

// intervalOf reads the stored interval, defaulting to MinInterval when the
// row is gone so a racing delete cannot produce a zero next_run_at.
func (s *Store) intervalOf(id string) time.Duration {
	var seconds int
	err := s.db.QueryRow(`SELECT interval_seconds FROM schedules WHERE id = ?`, id).Scan(&seconds)
	if err != nil || seconds <= 0 {
		return MinInterval
	}
	return time.Duration(seconds) * time.Second
}

const selectColumns = `
	SELECT id, job_type, payload, priority, interval_seconds,
	       next_run_at, last_run_at, last_job_id, state,
	       created_by, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched           Schedule
		jobType         string
		payload         sql.NullString
		priority        int
		intervalSeconds int
		nextRunAt       sql.NullTime
		lastRunAt       sql.NullTime
	)

	err := row.Scan(
		&sched.ID, &jobType, &payload, &priority, &intervalSeconds,
		&nextRunAt, &lastRunAt, &sched.LastJobID, &sched.State,
		&sched.CreatedBy, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan schedule")
	}

	sched.JobType = jobs.JobType(jobType)
	sched.Priority = jobs.Priority(priority)
	sched.Interval = time.Duration(intervalSeconds) * time.Second
	if payload.Valid {
		sched.Payload = json.RawMessage(payload.String)
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	return &sched, nil
}

func checkUpdated(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.WithStack(errors.ErrNotFound)
	}
	return nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
