package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// Bulk sub-operations. Each applies one action to one video.
const (
	BulkOpDownload        = "download"
	BulkOpDelete          = "delete"
	BulkOpStatusUpdate    = "status_update"
	BulkOpQualityCheck    = "quality_check"
	BulkOpQualityUpgrade  = "quality_upgrade"
	BulkOpMetadataRefresh = "metadata_refresh"
)

// BulkPayload applies one sub-operation across a set of videos.
type BulkPayload struct {
	Operation string   `json:"operation"`
	VideoIDs  []string `json:"video_ids"`
	// Status is required for status_update, ignored otherwise.
	Status string `json:"status,omitempty"`
	// Quality is the target for download and quality_upgrade.
	Quality string `json:"quality,omitempty"`
}

// BulkItemError records one failed item without aborting the batch.
type BulkItemError struct {
	VideoID string `json:"video_id"`
	Error   string `json:"error"`
}

// BulkResult tallies the batch. A batch with failures still completes; the
// caller reads the tally to decide what to resubmit.
type BulkResult struct {
	Operation string          `json:"operation"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Errors    []BulkItemError `json:"errors,omitempty"`
}

// BulkHandler runs one sub-operation per video, reporting progress per item.
type BulkHandler struct {
	store     *jobs.Store
	metadata  MetadataClient
	downloads DownloadClient
	library   Library
	logger    *zap.SugaredLogger
}

func NewBulkHandler(deps Deps) *BulkHandler {
	return &BulkHandler{
		store:     deps.Store,
		metadata:  deps.Metadata,
		downloads: deps.Downloads,
		library:   deps.Library,
		logger:    deps.Logger.Named("bulk"),
	}
}

func (h *BulkHandler) Type() jobs.JobType { return jobs.TypeBulkOperation }

func (h *BulkHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload BulkPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed bulk payload"))
	}
	if len(payload.VideoIDs) == 0 {
		return nil, jobs.Fatalf("bulk payload has no video_ids")
	}
	op := h.itemOperation(payload)
	if op == nil {
		return nil, jobs.Fatalf("unknown bulk operation: %s", payload.Operation)
	}
	if payload.Operation == BulkOpStatusUpdate && payload.Status == "" {
		return nil, jobs.Fatalf("status_update requires a status")
	}

	h.logger.Infow("Starting bulk operation",
		"symbol", sym.Job,
		"job_id", job.ID,
		"operation", payload.Operation,
		"items", len(payload.VideoIDs),
	)

	result := BulkResult{Operation: payload.Operation, Total: len(payload.VideoIDs)}
	for i, videoID := range payload.VideoIDs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "bulk operation interrupted")
		}

		if err := op(ctx, videoID, payload); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkItemError{VideoID: videoID, Error: err.Error()})
			h.logger.Warnw("Bulk item failed",
				"job_id", job.ID,
				"operation", payload.Operation,
				"video_id", videoID,
				"error", err,
			)
		} else {
			result.Succeeded++
		}

		pct := (i + 1) * 100 / len(payload.VideoIDs)
		h.store.UpdateProgress(job.ID, pct, fmt.Sprintf("%d/%d processed", i+1, len(payload.VideoIDs)))
	}

	return json.Marshal(result)
}

type bulkItemFunc func(ctx context.Context, videoID string, payload BulkPayload) error

func (h *BulkHandler) itemOperation(payload BulkPayload) bulkItemFunc {
	switch payload.Operation {
	case BulkOpDownload:
		return h.downloadItem
	case BulkOpDelete:
		return h.deleteItem
	case BulkOpStatusUpdate:
		return h.statusItem
	case BulkOpQualityCheck:
		return h.qualityCheckItem
	case BulkOpQualityUpgrade:
		return h.qualityUpgradeItem
	case BulkOpMetadataRefresh:
		return h.metadataRefreshItem
	default:
		return nil
	}
}

func (h *BulkHandler) downloadItem(ctx context.Context, videoID string, payload BulkPayload) error {
	var url string
	err := h.library.WithTx(ctx, func(tx LibraryTx) error {
		var txErr error
		url, txErr = tx.VideoURL(ctx, videoID)
		return txErr
	})
	if err != nil {
		return errors.Wrap(err, "failed to resolve video url")
	}

	if _, err := h.downloads.Download(ctx, url, payload.Quality, nil); err != nil {
		return errors.Wrap(err, "download failed")
	}
	return h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoStatus(ctx, videoID, "downloaded")
	})
}

func (h *BulkHandler) deleteItem(ctx context.Context, videoID string, _ BulkPayload) error {
	return h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.DeleteVideo(ctx, videoID)
	})
}

func (h *BulkHandler) statusItem(ctx context.Context, videoID string, payload BulkPayload) error {
	return h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoStatus(ctx, videoID, payload.Status)
	})
}

func (h *BulkHandler) qualityCheckItem(ctx context.Context, videoID string, _ BulkPayload) error {
	return analyzeVideo(ctx, h.library, h.downloads, videoID)
}

func (h *BulkHandler) qualityUpgradeItem(ctx context.Context, videoID string, payload BulkPayload) error {
	return upgradeVideo(ctx, h.library, h.downloads, videoID, payload.Quality)
}

func (h *BulkHandler) metadataRefreshItem(ctx context.Context, videoID string, _ BulkPayload) error {
	// Video-level refresh resolves the owning artist through its URL record
	// and re-fetches from the metadata service.
	var artistID string
	err := h.library.WithTx(ctx, func(tx LibraryTx) error {
		url, txErr := tx.VideoURL(ctx, videoID)
		if txErr != nil {
			return txErr
		}
		artistID = artistIDFromURL(url)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to resolve artist for video")
	}
	if artistID == "" {
		return errors.Newf("video %s has no resolvable artist", videoID)
	}

	var meta *ArtistMetadata
	err = withNetworkRetry(ctx, metadataLimiter, func() error {
		var fetchErr error
		meta, fetchErr = h.metadata.ArtistMetadata(ctx, artistID)
		return fetchErr
	})
	if err != nil {
		return errors.Wrap(err, "metadata refresh failed")
	}
	return h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SaveArtistMetadata(ctx, meta)
	})
}

// artistIDFromURL extracts the artist identifier from a source URL of the
// form .../artist/<id>/... as recorded by discovery.
func artistIDFromURL(url string) string {
	const marker = "/artist/"
	idx := strings.Index(url, marker)
	if idx < 0 {
		return ""
	}
	rest := url[idx+len(marker):]
	if end := strings.IndexByte(rest, '/'); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
