package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// DownloadPayload requests a single video download.
type DownloadPayload struct {
	VideoID string `json:"video_id"`
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
}

// DownloadResult is the job result for a completed download.
type DownloadResult struct {
	VideoID string `json:"video_id"`
	Path    string `json:"path"`
}

// DownloadHandler fetches one video through the download backend and marks
// it downloaded in the library. It serves both user-submitted and scheduled
// download jobs.
type DownloadHandler struct {
	store     *jobs.Store
	downloads DownloadClient
	library   Library
	logger    *zap.SugaredLogger
}

func NewDownloadHandler(deps Deps) *DownloadHandler {
	return &DownloadHandler{
		store:     deps.Store,
		downloads: deps.Downloads,
		library:   deps.Library,
		logger:    deps.Logger.Named("download"),
	}
}

func (h *DownloadHandler) Type() jobs.JobType { return jobs.TypeDownload }

func (h *DownloadHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload DownloadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed download payload"))
	}
	if payload.VideoID == "" || payload.URL == "" {
		return nil, jobs.Fatalf("download payload requires video_id and url")
	}

	h.logger.Infow("Starting download",
		"symbol", sym.Job,
		"job_id", job.ID,
		"video_id", payload.VideoID,
	)

	// The backend reports 0-100 over the transfer; scale to leave headroom
	// for the library update after the bytes land.
	path, err := h.downloads.Download(ctx, payload.URL, payload.Quality, func(pct int) {
		h.store.UpdateProgress(job.ID, pct*90/100, "downloading")
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download failed for video %s", payload.VideoID)
	}

	h.store.UpdateProgress(job.ID, 95, "updating library")

	err = h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoStatus(ctx, payload.VideoID, "downloaded")
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark video downloaded")
	}

	return json.Marshal(DownloadResult{VideoID: payload.VideoID, Path: path})
}
