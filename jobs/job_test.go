package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mosaicvideo/mosaic/errors"
)

// TestNewJobRejectsUnknownType tests the closed type set
func TestNewJobRejectsUnknownType(t *testing.T) {
	_, err := NewJob(JobType("karaoke"), PriorityNormal, nil, "roadie")
	if !errors.IsValidationError(err) {
		t.Errorf("Expected validation error for unknown type, got %v", err)
	}
}

// TestNewJobDefaults tests the defaults a fresh job carries
func TestNewJobDefaults(t *testing.T) {
	job, err := NewJob(TypeDownload, PriorityNormal, nil, "roadie")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if job.ID == "" {
		t.Error("Expected generated id")
	}
	if job.Status != StatusQueued {
		t.Errorf("Expected queued, got %s", job.Status)
	}
	if job.MaxRetries != DefaultMaxRetries {
		t.Errorf("Expected default max_retries %d, got %d", DefaultMaxRetries, job.MaxRetries)
	}
	if job.RetryDelay != DefaultRetryDelay {
		t.Errorf("Expected default retry_delay %s, got %s", DefaultRetryDelay, job.RetryDelay)
	}
}

// TestRetryPolicyClamps tests the submission contract's clamp ranges
func TestRetryPolicyClamps(t *testing.T) {
	job, _ := NewJob(TypeDownload, PriorityNormal, nil, "roadie")

	job.WithRetryPolicy(99, 2*time.Hour)
	if job.MaxRetries != MaxRetriesCap {
		t.Errorf("Expected max_retries clamped to %d, got %d", MaxRetriesCap, job.MaxRetries)
	}
	if job.RetryDelay != MaxRetryDelay {
		t.Errorf("Expected retry_delay clamped to %s, got %s", MaxRetryDelay, job.RetryDelay)
	}

	job.WithRetryPolicy(-5, time.Second)
	if job.MaxRetries != MinRetries {
		t.Errorf("Expected max_retries clamped to %d, got %d", MinRetries, job.MaxRetries)
	}
	if job.RetryDelay != MinRetryDelay {
		t.Errorf("Expected retry_delay clamped to %s, got %s", MinRetryDelay, job.RetryDelay)
	}
}

// TestParsePriority tests the wire spellings and the normal default
func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"", PriorityNormal, true},
		{"normal", PriorityNormal, true},
		{"low", PriorityLow, true},
		{"high", PriorityHigh, true},
		{"urgent", PriorityUrgent, true},
		{"extreme", PriorityNormal, false},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParsePriority(%q) errored: %v", tc.in, err)
		}
		if !tc.ok && !errors.IsValidationError(err) {
			t.Errorf("ParsePriority(%q) expected validation error, got %v", tc.in, err)
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// TestPriorityJSONRoundTrip tests that priorities travel by name on the wire
func TestPriorityJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(PriorityUrgent)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"urgent"` {
		t.Errorf("Expected \"urgent\", got %s", data)
	}

	var p Priority
	if err := json.Unmarshal([]byte(`"high"`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p != PriorityHigh {
		t.Errorf("Expected high, got %v", p)
	}
}

// TestCloneIsolation tests that a clone shares nothing mutable with the
// original
func TestCloneIsolation(t *testing.T) {
	job, _ := NewJob(TypeDownload, PriorityNormal, nil, "roadie")
	job.WithTag("tour", "2026")
	now := time.Now()
	job.StartedAt = &now

	clone := job.Clone()
	clone.Tags["tour"] = "2027"
	*clone.StartedAt = now.Add(time.Hour)

	if job.Tags["tour"] != "2026" {
		t.Error("Clone shares the tag map")
	}
	if !job.StartedAt.Equal(now) {
		t.Error("Clone shares the started_at pointer")
	}
}

// TestTerminalStatuses tests the terminal set
func TestTerminalStatuses(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []JobStatus{StatusQueued, StatusProcessing, StatusRetrying}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
