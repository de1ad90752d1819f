package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// QualityPayload targets one stored video.
type QualityPayload struct {
	VideoID string `json:"video_id"`
	// Quality is the upgrade target (upgrade only).
	Quality string `json:"quality,omitempty"`
}

// QualityAnalyzeResult reports the probed media info.
type QualityAnalyzeResult struct {
	VideoID string    `json:"video_id"`
	Info    MediaInfo `json:"info"`
}

// QualityAnalyzeHandler probes a stored file and records its media info.
type QualityAnalyzeHandler struct {
	store     *jobs.Store
	downloads DownloadClient
	library   Library
	logger    *zap.SugaredLogger
}

func NewQualityAnalyzeHandler(deps Deps) *QualityAnalyzeHandler {
	return &QualityAnalyzeHandler{
		store:     deps.Store,
		downloads: deps.Downloads,
		library:   deps.Library,
		logger:    deps.Logger.Named("quality"),
	}
}

func (h *QualityAnalyzeHandler) Type() jobs.JobType { return jobs.TypeQualityAnalyze }

func (h *QualityAnalyzeHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload QualityPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed quality payload"))
	}
	if payload.VideoID == "" {
		return nil, jobs.Fatalf("quality payload missing video_id")
	}

	h.store.UpdateProgress(job.ID, 20, "probing file")

	info, err := probeVideo(ctx, h.library, h.downloads, payload.VideoID)
	if err != nil {
		return nil, err
	}

	h.store.UpdateProgress(job.ID, 80, "recording quality")
	err = h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoQuality(ctx, payload.VideoID, *info)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record video quality")
	}

	h.logger.Infow("Analyzed video quality",
		"symbol", sym.Job,
		"job_id", job.ID,
		"video_id", payload.VideoID,
		"height", info.Height,
		"codec", info.Codec,
	)
	return json.Marshal(QualityAnalyzeResult{VideoID: payload.VideoID, Info: *info})
}

// QualityUpgradeHandler re-downloads a video at a better quality when the
// stored copy falls short of the target.
type QualityUpgradeHandler struct {
	store     *jobs.Store
	downloads DownloadClient
	library   Library
	logger    *zap.SugaredLogger
}

func NewQualityUpgradeHandler(deps Deps) *QualityUpgradeHandler {
	return &QualityUpgradeHandler{
		store:     deps.Store,
		downloads: deps.Downloads,
		library:   deps.Library,
		logger:    deps.Logger.Named("quality"),
	}
}

func (h *QualityUpgradeHandler) Type() jobs.JobType { return jobs.TypeQualityUpgrade }

func (h *QualityUpgradeHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload QualityPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed quality payload"))
	}
	if payload.VideoID == "" {
		return nil, jobs.Fatalf("quality payload missing video_id")
	}

	h.store.UpdateProgress(job.ID, 10, "upgrading quality")
	if err := upgradeVideo(ctx, h.library, h.downloads, payload.VideoID, payload.Quality); err != nil {
		return nil, err
	}

	h.logger.Infow("Upgraded video quality",
		"symbol", sym.Job,
		"job_id", job.ID,
		"video_id", payload.VideoID,
		"target", payload.Quality,
	)
	return json.Marshal(QualityPayload{VideoID: payload.VideoID, Quality: payload.Quality})
}

// probeVideo resolves the stored path and probes it.
func probeVideo(ctx context.Context, library Library, downloads DownloadClient, videoID string) (*MediaInfo, error) {
	var path string
	err := library.WithTx(ctx, func(tx LibraryTx) error {
		var txErr error
		path, txErr = tx.VideoPath(ctx, videoID)
		return txErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve path for video %s", videoID)
	}

	info, err := downloads.Probe(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "probe failed for video %s", videoID)
	}
	return info, nil
}

// analyzeVideo probes and records quality for one video.
func analyzeVideo(ctx context.Context, library Library, downloads DownloadClient, videoID string) error {
	info, err := probeVideo(ctx, library, downloads, videoID)
	if err != nil {
		return err
	}
	return library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SetVideoQuality(ctx, videoID, *info)
	})
}

// upgradeVideo re-downloads one video at the target quality and re-records
// the probed result.
func upgradeVideo(ctx context.Context, library Library, downloads DownloadClient, videoID, quality string) error {
	var url string
	err := library.WithTx(ctx, func(tx LibraryTx) error {
		var txErr error
		url, txErr = tx.VideoURL(ctx, videoID)
		return txErr
	})
	if err != nil {
		return errors.Wrapf(err, "failed to resolve url for video %s", videoID)
	}

	path, err := downloads.Download(ctx, url, quality, nil)
	if err != nil {
		return errors.Wrapf(err, "upgrade download failed for video %s", videoID)
	}

	info, err := downloads.Probe(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "post-upgrade probe failed for video %s", videoID)
	}
	return library.WithTx(ctx, func(tx LibraryTx) error {
		if txErr := tx.SetVideoStatus(ctx, videoID, "downloaded"); txErr != nil {
			return txErr
		}
		return tx.SetVideoQuality(ctx, videoID, *info)
	})
}
