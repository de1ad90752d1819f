package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType classifies a job lifecycle event delivered to subscribers.
type EventType string

const (
	EventQueued    EventType = "job_queued"
	EventStarted   EventType = "job_started"
	EventProgress  EventType = "job_progress"
	EventRetrying  EventType = "job_retrying"
	EventCompleted EventType = "job_completed"
	EventFailed    EventType = "job_failed"
	EventCancelled EventType = "job_cancelled"
)

// Event is a single lifecycle notification for a job.
type Event struct {
	JobID     string      `json:"job_id"`
	Type      EventType   `json:"event_type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriberChannelBufferSize is the buffer size for subscriber channels.
// A subscriber that falls this far behind starts dropping events rather
// than stalling job processing.
const SubscriberChannelBufferSize = 100

// Subscriber receives events for the job ids it has subscribed to.
// Obtain one from Broadcaster.NewSubscriber and read from Events().
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster fans job lifecycle events out to per-job subscribers.
//
// It keeps two indices, subscriber→{job ids} and job id→{subscribers},
// symmetric under subscribe/unsubscribe/disconnect. Broadcast never blocks:
// a full subscriber channel drops the event for that subscriber only.
type Broadcaster struct {
	mu     sync.RWMutex
	byJob  map[string]map[*Subscriber]struct{}
	bySub  map[*Subscriber]map[string]struct{}
	logger *zap.SugaredLogger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		byJob:  make(map[string]map[*Subscriber]struct{}),
		bySub:  make(map[*Subscriber]map[string]struct{}),
		logger: logger,
	}
}

// NewSubscriber registers a new subscriber with no job interests yet.
// The caller must call Disconnect when done; the broadcaster never closes
// the channel while the subscriber is registered.
func (b *Broadcaster) NewSubscriber() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, SubscriberChannelBufferSize)}

	b.mu.Lock()
	b.bySub[sub] = make(map[string]struct{})
	b.mu.Unlock()

	return sub
}

// Subscribe registers interest in a job id. Unknown job ids are accepted;
// they simply never fire.
func (b *Broadcaster) Subscribe(sub *Subscriber, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs, ok := b.bySub[sub]
	if !ok {
		// Disconnected subscriber - ignore rather than resurrect
		return
	}
	jobs[jobID] = struct{}{}

	subs, ok := b.byJob[jobID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		b.byJob[jobID] = subs
	}
	subs[sub] = struct{}{}
}

// Unsubscribe removes interest in a single job id.
func (b *Broadcaster) Unsubscribe(sub *Subscriber, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobs, ok := b.bySub[sub]; ok {
		delete(jobs, jobID)
	}
	b.removeJobEntryLocked(sub, jobID)
}

// Disconnect removes the subscriber from both indices and closes its channel.
func (b *Broadcaster) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs, ok := b.bySub[sub]
	if !ok {
		return
	}
	for jobID := range jobs {
		b.removeJobEntryLocked(sub, jobID)
	}
	delete(b.bySub, sub)
	close(sub.ch)
}

// removeJobEntryLocked drops sub from the job index, pruning empty sets.
// REQUIRES: b.mu held.
func (b *Broadcaster) removeJobEntryLocked(sub *Subscriber, jobID string) {
	subs, ok := b.byJob[jobID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.byJob, jobID)
	}
}

// Broadcast fans an event out to every current subscriber of the job id.
// Fire-and-forget: a slow subscriber loses the event, the store never waits.
func (b *Broadcaster) Broadcast(jobID string, eventType EventType, data interface{}) {
	event := Event{
		JobID:     jobID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.byJob[jobID] {
		select {
		case sub.ch <- event:
		default:
			// Channel full - skip (non-blocking)
			if b.logger != nil {
				b.logger.Debugw("Dropped event for slow subscriber",
					"job_id", jobID,
					"event_type", eventType,
				)
			}
		}
	}
}

// SubscriberCount returns how many subscribers watch the given job id.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byJob[jobID])
}
