package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
)

// ThumbnailPayload requests thumbnail generation for one video.
type ThumbnailPayload struct {
	VideoID string `json:"video_id"`
}

// ThumbnailResult reports where the generated thumbnail landed.
type ThumbnailResult struct {
	VideoID       string `json:"video_id"`
	ThumbnailPath string `json:"thumbnail_path"`
}

// ThumbnailHandler generates a thumbnail from the stored video file.
type ThumbnailHandler struct {
	store     *jobs.Store
	downloads DownloadClient
	library   Library
	logger    *zap.SugaredLogger
}

func NewThumbnailHandler(deps Deps) *ThumbnailHandler {
	return &ThumbnailHandler{
		store:     deps.Store,
		downloads: deps.Downloads,
		library:   deps.Library,
		logger:    deps.Logger.Named("thumbnail"),
	}
}

func (h *ThumbnailHandler) Type() jobs.JobType { return jobs.TypeThumbnail }

func (h *ThumbnailHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload ThumbnailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed thumbnail payload"))
	}
	if payload.VideoID == "" {
		return nil, jobs.Fatalf("thumbnail payload missing video_id")
	}

	var path string
	err := h.library.WithTx(ctx, func(tx LibraryTx) error {
		var txErr error
		path, txErr = tx.VideoPath(ctx, payload.VideoID)
		return txErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve path for video %s", payload.VideoID)
	}

	h.store.UpdateProgress(job.ID, 30, "generating thumbnail")
	thumbPath, err := h.downloads.GenerateThumbnail(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "thumbnail generation failed for video %s", payload.VideoID)
	}

	h.store.UpdateProgress(job.ID, 90, "saving thumbnail path")
	err = h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoThumbnail(ctx, payload.VideoID, thumbPath)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to save thumbnail path")
	}

	return json.Marshal(ThumbnailResult{VideoID: payload.VideoID, ThumbnailPath: thumbPath})
}
