package jobs

import (
	"testing"
	"time"

	"github.com/mosaicvideo/mosaic/logger"
)

// ============================================================================
// The Switchboard Tests
// ============================================================================
//
// The broadcaster is the venue's switchboard: fans subscribe to the pieces
// they care about, and the board patches each announcement through without
// ever holding up the show for a slow listener.
// ============================================================================

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(logger.NewTestLogger())
}

// TestSubscriberReceivesJobEvents tests basic subscribe and delivery
func TestSubscriberReceivesJobEvents(t *testing.T) {
	t.Log("📞 A fan subscribes to tonight's headline piece...")

	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")

	b.Broadcast("job-1", EventProgress, map[string]interface{}{"progress": 40})

	select {
	case event := <-sub.Events():
		if event.JobID != "job-1" || event.Type != EventProgress {
			t.Errorf("Wrong event delivered: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber never received the event")
	}

	t.Log("✓ The announcement came through")
}

// TestSubscriberOnlyGetsSubscribedJobs tests that events for other jobs are
// not delivered
func TestSubscriberOnlyGetsSubscribedJobs(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")

	b.Broadcast("job-2", EventCompleted, nil)

	select {
	case event := <-sub.Events():
		t.Errorf("Received event for unsubscribed job: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestUnsubscribeStopsDelivery tests that unsubscribe removes exactly that
// job's events
func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Log("📞 A fan drops one piece but keeps the other...")

	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")
	b.Subscribe(sub, "job-2")

	b.Unsubscribe(sub, "job-1")
	b.Broadcast("job-1", EventCompleted, nil)
	b.Broadcast("job-2", EventCompleted, nil)

	select {
	case event := <-sub.Events():
		if event.JobID != "job-2" {
			t.Errorf("Expected only job-2 events, got %s", event.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("job-2 event never arrived")
	}

	t.Log("✓ The dropped line stayed quiet, the kept one rang")
}

// TestDisconnectRemovesAllSubscriptions tests the symmetric index teardown
func TestDisconnectRemovesAllSubscriptions(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")
	b.Subscribe(sub, "job-2")

	b.Disconnect(sub)

	if n := b.SubscriberCount("job-1"); n != 0 {
		t.Errorf("job-1 still has %d subscribers after disconnect", n)
	}
	if n := b.SubscriberCount("job-2"); n != 0 {
		t.Errorf("job-2 still has %d subscribers after disconnect", n)
	}

	// Channel must be closed so forwarding loops can exit
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("Expected closed channel after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel not closed after disconnect")
	}
}

// TestSubscribeAfterDisconnectIgnored tests that a dead subscriber cannot
// rejoin the indices
func TestSubscribeAfterDisconnectIgnored(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Disconnect(sub)

	b.Subscribe(sub, "job-1")
	if n := b.SubscriberCount("job-1"); n != 0 {
		t.Errorf("Disconnected subscriber re-entered the index: %d", n)
	}

	// Broadcast must not panic on the closed channel
	b.Broadcast("job-1", EventQueued, nil)
}

// TestSlowSubscriberDropsNotBlocks tests that a full channel drops events
// instead of stalling the broadcast
func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Log("📞 One fan never answers, the show goes on...")

	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Never read: overflow the buffer and keep broadcasting
		for i := 0; i < SubscriberChannelBufferSize+50; i++ {
			b.Broadcast("job-1", EventProgress, map[string]interface{}{"progress": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}

	t.Log("✓ The switchboard never waited on the silent line")
}

// TestUnsubscribePrunesEmptyJobEntry tests that the job index entry is
// removed once its last subscriber leaves
func TestUnsubscribePrunesEmptyJobEntry(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.NewSubscriber()
	b.Subscribe(sub, "job-1")
	b.Unsubscribe(sub, "job-1")

	b.mu.RLock()
	_, exists := b.byJob["job-1"]
	b.mu.RUnlock()
	if exists {
		t.Error("Empty job entry not pruned from the index")
	}
}
