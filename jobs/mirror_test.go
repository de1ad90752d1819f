package jobs

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mosaictest "github.com/mosaicvideo/mosaic/internal/testing"
	"github.com/mosaicvideo/mosaic/logger"
)

// ============================================================================
// The Archivist Tests
// ============================================================================
//
// The mirror is the venue's archivist: every change to the program is
// written down, so after a blackout the archive tells the new crew which
// pieces were still owed a performance.
// ============================================================================

func newMirroredStore(t *testing.T) (*Store, *SQLiteMirror) {
	t.Helper()
	conn := mosaictest.CreateTestDB(t)
	mirror := NewSQLiteMirror(conn)
	log := logger.NewTestLogger()
	store := NewStore(NewBroadcaster(log), mirror, log)
	t.Cleanup(store.Close)
	return store, mirror
}

// TestMirrorPersistsLifecycle tests that every transition lands in the
// durable copy
func TestMirrorPersistsLifecycle(t *testing.T) {
	t.Log("📜 The archivist records a piece from setlist to bow...")

	store, mirror := newMirroredStore(t)

	job := mustJob(t, TypeDownload, PriorityHigh, "roadie")
	job.WithTag("tour", "2026")
	store.Enqueue(job)
	store.Dequeue()
	store.UpdateProgress(job.ID, 60, "downloading")
	store.Complete(job.ID, json.RawMessage(`{"path":"/media/x.mp4"}`))

	rows, err := mirror.db.Query(`SELECT status, progress FROM jobs WHERE id = ?`, job.ID)
	if err != nil {
		t.Fatalf("Failed to read mirror: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatal("Job never reached the mirror")
	}
	var status string
	var progress int
	if err := rows.Scan(&status, &progress); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if status != string(StatusCompleted) || progress != 100 {
		t.Errorf("Mirror out of date: status=%s progress=%d", status, progress)
	}

	t.Log("✓ The archive matches the stage")
}

// TestMirrorRecoversOrphans tests crash recovery: queued jobs reload as
// queued, in-flight jobs are reset to queued with progress cleared
func TestMirrorRecoversOrphans(t *testing.T) {
	t.Log("📜 The power comes back and the archivist rebuilds the setlist...")

	conn := mosaictest.CreateTestDB(t)
	mirror := NewSQLiteMirror(conn)
	log := logger.NewTestLogger()

	crashed := NewStore(NewBroadcaster(log), mirror, log)
	queued := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	crashed.Enqueue(queued)

	inflight := mustJob(t, TypeThumbnail, PriorityUrgent, "roadie")
	crashed.Enqueue(inflight)
	crashed.Dequeue()
	crashed.UpdateProgress(inflight.ID, 40, "halfway")

	finished := mustJob(t, TypeCleanup, PriorityLow, "roadie")
	crashed.Enqueue(finished)
	crashed.Dequeue()
	crashed.Complete(finished.ID, nil)
	crashed.Close()

	// Fresh process, same database
	fresh := NewStore(NewBroadcaster(log), mirror, log)
	t.Cleanup(fresh.Close)
	recovered, err := mirror.RecoverInto(fresh, log)
	if err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("Expected 2 recovered jobs, got %d", recovered)
	}

	got, err := fresh.Get(inflight.ID)
	if err != nil {
		t.Fatalf("In-flight job not recovered: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Orphaned job should reset to queued, got %s", got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("Orphaned job should reset progress, got %d", got.Progress)
	}

	if _, err := fresh.Get(finished.ID); err == nil {
		t.Error("Completed job should not be recovered into the live store")
	}

	// Recovery preserves priority order: the urgent orphan comes out first
	first := fresh.Dequeue()
	if first == nil || first.ID != inflight.ID {
		t.Errorf("Expected urgent recovered job first, got %v", first)
	}

	t.Log("✓ The owed pieces are back on the setlist, the finished ones at rest")
}

// TestMirrorExecutionLog tests step-level log append and readback
func TestMirrorExecutionLog(t *testing.T) {
	store, mirror := newMirroredStore(t)

	job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	store.Enqueue(job)
	store.Log(job.ID, "info", "dequeued by worker-0", "worker-0")
	store.Log(job.ID, "error", "first attempt misfired", "worker-0")

	entries, err := mirror.ListLogs(job.ID, 10)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Message != "dequeued by worker-0" || entries[1].Level != "error" {
		t.Errorf("Log entries out of order or mangled: %+v", entries)
	}
}

// TestMirrorDeleteOlderThan tests retention: old terminal rows and their
// logs go, everything else stays
func TestMirrorDeleteOlderThan(t *testing.T) {
	t.Log("📜 The archivist prunes last season's records...")

	store, mirror := newMirroredStore(t)

	old := mustJob(t, TypeDownload, PriorityNormal, "roadie")
	store.Enqueue(old)
	store.Dequeue()
	store.Complete(old.ID, nil)
	store.Log(old.ID, "info", "done", "worker-0")
	// Age the durable row
	past := time.Now().Add(-72 * time.Hour)
	if _, err := mirror.db.Exec(`UPDATE jobs SET completed_at = ? WHERE id = ?`, past, old.ID); err != nil {
		t.Fatalf("Failed to age row: %v", err)
	}

	current := mustJob(t, TypeThumbnail, PriorityNormal, "roadie")
	store.Enqueue(current)

	removed, err := mirror.DeleteOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	logs, _ := mirror.ListLogs(old.ID, 10)
	if len(logs) != 0 {
		t.Errorf("Old job's logs survived the prune: %d", len(logs))
	}

	var count int
	mirror.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE id = ?`, current.ID).Scan(&count)
	if count != 1 {
		t.Error("Live job pruned from the mirror")
	}

	t.Log("✓ Only last season's records were retired")
}

// TestMirrorKeepsTransitionOrder tests that racing transitions leave the
// durable copy at each job's final state, never a stale earlier one
func TestMirrorKeepsTransitionOrder(t *testing.T) {
	t.Log("📜 Ten hands write at once; the archive must still end on the bow...")

	store, mirror := newMirroredStore(t)

	const total = 100
	for i := 0; i < total; i++ {
		job := mustJob(t, TypeDownload, PriorityNormal, "roadie")
		if _, err := store.Enqueue(job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job := store.Dequeue()
				if job == nil {
					return
				}
				store.UpdateProgress(job.ID, 50, "halfway")
				store.Complete(job.ID, nil)
			}
		}()
	}
	wg.Wait()

	if stats := store.GetStats(); stats.Completed != total {
		t.Fatalf("Expected %d completed, got %d", total, stats.Completed)
	}

	var stale int
	if err := mirror.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status != ? OR progress != 100`,
		string(StatusCompleted),
	).Scan(&stale); err != nil {
		t.Fatalf("Failed to read mirror: %v", err)
	}
	if stale != 0 {
		t.Errorf("%d mirror rows stuck at a stale earlier state", stale)
	}

	t.Log("✓ The archive closes on the final bow for every piece")
}
