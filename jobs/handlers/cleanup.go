package handlers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// DefaultRetention is how long finished jobs are kept when the payload does
// not say otherwise.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupPayload optionally overrides the retention window.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// CleanupResult reports how many finished jobs were purged.
type CleanupResult struct {
	Removed int       `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

// CleanupHandler purges finished jobs older than the retention window from
// both the live store and the durable mirror.
type CleanupHandler struct {
	store  *jobs.Store
	logger *zap.SugaredLogger
}

func NewCleanupHandler(deps Deps) *CleanupHandler {
	return &CleanupHandler{
		store:  deps.Store,
		logger: deps.Logger.Named("cleanup"),
	}
}

func (h *CleanupHandler) Type() jobs.JobType { return jobs.TypeCleanup }

func (h *CleanupHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	retention := DefaultRetention
	if len(job.Payload) > 0 {
		var payload CleanupPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, jobs.Fatal(errors.Wrap(err, "malformed cleanup payload"))
		}
		if payload.RetentionHours < 0 {
			return nil, jobs.Fatalf("retention_hours must not be negative")
		}
		if payload.RetentionHours > 0 {
			retention = time.Duration(payload.RetentionHours) * time.Hour
		}
	}

	cutoff := time.Now().Add(-retention)
	h.store.UpdateProgress(job.ID, 50, "purging finished jobs")
	removed := h.store.Cleanup(retention)

	h.logger.Infow("Purged finished jobs",
		"symbol", sym.Job,
		"job_id", job.ID,
		"removed", removed,
		"retention", retention,
	)
	return json.Marshal(CleanupResult{Removed: removed, Cutoff: cutoff})
}
