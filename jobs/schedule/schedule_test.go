package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicvideo/mosaic/errors"
	mosaictest "github.com/mosaicvideo/mosaic/internal/testing"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/logger"
)

func newTestStores(t *testing.T) (*Store, *jobs.Store) {
	t.Helper()
	conn := mosaictest.CreateTestDB(t)
	log := logger.NewTestLogger()
	queue := jobs.NewStore(jobs.NewBroadcaster(log), nil, log)
	t.Cleanup(queue.Close)
	return NewStore(conn), queue
}

func TestNewScheduleValidation(t *testing.T) {
	_, err := New(jobs.JobType("karaoke"), jobs.PriorityNormal, nil, time.Hour, "ops")
	assert.True(t, errors.IsValidationError(err), "unknown job type must be rejected")

	_, err = New(jobs.TypeCleanup, jobs.PriorityNormal, nil, time.Second, "ops")
	assert.True(t, errors.IsValidationError(err), "sub-minute intervals must be rejected")

	sched, err := New(jobs.TypeCleanup, jobs.PriorityLow, nil, time.Hour, "ops")
	require.NoError(t, err)
	assert.Equal(t, StateActive, sched.State)
	require.NotNil(t, sched.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *sched.NextRunAt, 5*time.Second)
}

func TestScheduleStoreCRUD(t *testing.T) {
	store, _ := newTestStores(t)

	payload := json.RawMessage(`{"artist_id":"a-1"}`)
	sched, err := New(jobs.TypeScheduledDiscovery, jobs.PriorityHigh, payload, 2*time.Hour, "ops")
	require.NoError(t, err)
	require.NoError(t, store.Create(sched))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, sched.JobType, got.JobType)
	assert.Equal(t, sched.Priority, got.Priority)
	assert.Equal(t, 2*time.Hour, got.Interval)
	assert.JSONEq(t, string(payload), string(got.Payload))

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.SetState(sched.ID, StatePaused))
	got, err = store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)

	assert.True(t, errors.IsValidationError(store.SetState(sched.ID, "sideways")))

	require.NoError(t, store.Delete(sched.ID))
	_, err = store.Get(sched.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestScheduleStoreNotFound(t *testing.T) {
	store, _ := newTestStores(t)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, store.SetState("missing", StatePaused), errors.ErrNotFound)
	assert.ErrorIs(t, store.Delete("missing"), errors.ErrNotFound)
}

func TestDueOnlyReturnsActivePast(t *testing.T) {
	store, _ := newTestStores(t)
	now := time.Now().UTC()

	overdue, err := New(jobs.TypeCleanup, jobs.PriorityNormal, nil, time.Hour, "ops")
	require.NoError(t, err)
	past := now.Add(-time.Minute)
	overdue.NextRunAt = &past
	require.NoError(t, store.Create(overdue))

	future, err := New(jobs.TypeIndexing, jobs.PriorityNormal, nil, time.Hour, "ops")
	require.NoError(t, err)
	require.NoError(t, store.Create(future))

	paused, err := New(jobs.TypeCleanup, jobs.PriorityNormal, nil, time.Hour, "ops")
	require.NoError(t, err)
	paused.NextRunAt = &past
	require.NoError(t, store.Create(paused))
	require.NoError(t, store.SetState(paused.ID, StatePaused))

	due, err := store.Due(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)
}

func TestMarkRunAdvancesNextRun(t *testing.T) {
	store, _ := newTestStores(t)
	now := time.Now().UTC()

	sched, err := New(jobs.TypeCleanup, jobs.PriorityNormal, nil, time.Hour, "ops")
	require.NoError(t, err)
	require.NoError(t, store.Create(sched))

	require.NoError(t, store.MarkRun(sched.ID, "job-42", now))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-42", got.LastJobID)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, now.Add(time.Hour), *got.NextRunAt, 5*time.Second)
}

func TestTickerFiresDueSchedules(t *testing.T) {
	store, queue := newTestStores(t)
	now := time.Now().UTC()

	sched, err := New(jobs.TypeScheduledDiscovery, jobs.PriorityHigh, json.RawMessage(`{"artist_id":"a-1"}`), time.Hour, "ops")
	require.NoError(t, err)
	past := now.Add(-time.Second)
	sched.NextRunAt = &past
	require.NoError(t, store.Create(sched))

	ticker := NewTicker(store, queue, time.Hour, logger.NewTestLogger())
	ticker.fireDue(now)

	// One job minted, tagged back to its schedule
	minted := queue.Dequeue()
	require.NotNil(t, minted)
	assert.Equal(t, jobs.TypeScheduledDiscovery, minted.Type)
	assert.Equal(t, jobs.PriorityHigh, minted.Priority)
	assert.Equal(t, sched.ID, minted.Tags["schedule_id"])

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, minted.ID, got.LastJobID)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now), "next run must advance")

	// Not due again until the interval elapses
	ticker.fireDue(now.Add(time.Minute))
	assert.Nil(t, queue.Dequeue())
}

func TestTickerSkipsWhileLastJobRuns(t *testing.T) {
	store, queue := newTestStores(t)
	now := time.Now().UTC()

	sched, err := New(jobs.TypeCleanup, jobs.PriorityNormal, nil, time.Hour, "ops")
	require.NoError(t, err)
	past := now.Add(-time.Second)
	sched.NextRunAt = &past
	require.NoError(t, store.Create(sched))

	ticker := NewTicker(store, queue, time.Hour, logger.NewTestLogger())
	ticker.fireDue(now)

	// First firing minted a job; it is dequeued and stays in flight
	inflight := queue.Dequeue()
	require.NotNil(t, inflight)

	// Force the schedule due again while the job still runs
	require.NoError(t, store.MarkRun(sched.ID, inflight.ID, now.Add(-2*time.Hour)))
	ticker.fireDue(now)

	assert.Nil(t, queue.Dequeue(), "no second job while the first is in flight")
}

func TestTickerStartStop(t *testing.T) {
	store, queue := newTestStores(t)

	ticker := NewTicker(store, queue, 5*time.Millisecond, logger.NewTestLogger())
	ticker.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	ticker.Stop()

	// Stop again is a no-op
	ticker.Stop()
}
