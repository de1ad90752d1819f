package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// DiscoveryPayload requests a discovery sweep for one artist.
type DiscoveryPayload struct {
	ArtistID string `json:"artist_id"`
	Quality  string `json:"quality,omitempty"`
	// MaxVideos caps how many download jobs one sweep may spawn.
	MaxVideos int `json:"max_videos,omitempty"`
}

// DiscoveryResult reports the sweep outcome.
type DiscoveryResult struct {
	ArtistID string   `json:"artist_id"`
	Found    int      `json:"found"`
	Enqueued int      `json:"enqueued"`
	JobIDs   []string `json:"job_ids,omitempty"`
}

// defaultMaxDiscovered bounds download fan-out per sweep.
const defaultMaxDiscovered = 50

// DiscoveryHandler asks the metadata service for new releases and enqueues
// a download job per discovered video, tagged back to the sweep that found
// it.
type DiscoveryHandler struct {
	store    *jobs.Store
	metadata MetadataClient
	logger   *zap.SugaredLogger
}

func NewDiscoveryHandler(deps Deps) *DiscoveryHandler {
	return &DiscoveryHandler{
		store:    deps.Store,
		metadata: deps.Metadata,
		logger:   deps.Logger.Named("discovery"),
	}
}

func (h *DiscoveryHandler) Type() jobs.JobType { return jobs.TypeScheduledDiscovery }

func (h *DiscoveryHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload DiscoveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed discovery payload"))
	}
	if payload.ArtistID == "" {
		return nil, jobs.Fatalf("discovery payload missing artist_id")
	}
	maxVideos := payload.MaxVideos
	if maxVideos <= 0 || maxVideos > defaultMaxDiscovered {
		maxVideos = defaultMaxDiscovered
	}

	h.store.UpdateProgress(job.ID, 20, "querying releases")

	var releases []VideoRelease
	err := withNetworkRetry(ctx, metadataLimiter, func() error {
		var fetchErr error
		releases, fetchErr = h.metadata.DiscoverVideos(ctx, payload.ArtistID)
		return fetchErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "discovery failed for artist %s", payload.ArtistID)
	}

	result := DiscoveryResult{ArtistID: payload.ArtistID, Found: len(releases)}
	if len(releases) > maxVideos {
		releases = releases[:maxVideos]
	}

	h.store.UpdateProgress(job.ID, 60, fmt.Sprintf("enqueuing %d downloads", len(releases)))
	for _, release := range releases {
		downloadPayload, err := json.Marshal(DownloadPayload{
			VideoID: release.VideoID,
			URL:     release.URL,
			Quality: payload.Quality,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal download payload")
		}

		child, err := jobs.NewJob(jobs.TypeScheduledDownload, job.Priority, downloadPayload, job.CreatedBy)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create download job")
		}
		child.WithTag("discovered_by", job.ID).WithTag("artist_id", payload.ArtistID)

		childID, err := h.store.Enqueue(child)
		if err != nil {
			h.logger.Warnw("Failed to enqueue discovered download",
				"job_id", job.ID,
				"video_id", release.VideoID,
				"error", err,
			)
			continue
		}
		result.Enqueued++
		result.JobIDs = append(result.JobIDs, childID)
	}

	h.logger.Infow("Discovery sweep finished",
		"symbol", sym.Job,
		"job_id", job.ID,
		"artist_id", payload.ArtistID,
		"found", result.Found,
		"enqueued", result.Enqueued,
	)
	return json.Marshal(result)
}
