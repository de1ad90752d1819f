package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// EnrichmentPayload requests metadata enrichment for one artist.
type EnrichmentPayload struct {
	ArtistID string `json:"artist_id"`
	// Force refreshes metadata even when the library already has some.
	Force bool `json:"force,omitempty"`
}

// EnrichmentResult is the job result for a completed enrichment.
type EnrichmentResult struct {
	ArtistID   string `json:"artist_id"`
	Name       string `json:"name"`
	VideoCount int    `json:"video_count"`
}

// EnrichmentHandler fetches artist metadata from the external service and
// stores it in the library.
type EnrichmentHandler struct {
	store    *jobs.Store
	metadata MetadataClient
	library  Library
	logger   *zap.SugaredLogger
}

func NewEnrichmentHandler(deps Deps) *EnrichmentHandler {
	return &EnrichmentHandler{
		store:    deps.Store,
		metadata: deps.Metadata,
		library:  deps.Library,
		logger:   deps.Logger.Named("enrichment"),
	}
}

func (h *EnrichmentHandler) Type() jobs.JobType { return jobs.TypeEnrichment }

func (h *EnrichmentHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload EnrichmentPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, jobs.Fatal(errors.Wrap(err, "malformed enrichment payload"))
	}
	if payload.ArtistID == "" {
		return nil, jobs.Fatalf("enrichment payload missing artist_id")
	}

	h.logger.Infow("Enriching artist metadata",
		"symbol", sym.Job,
		"job_id", job.ID,
		"artist_id", payload.ArtistID,
	)
	h.store.UpdateProgress(job.ID, 10, "fetching metadata")

	var meta *ArtistMetadata
	err := withNetworkRetry(ctx, metadataLimiter, func() error {
		var fetchErr error
		meta, fetchErr = h.metadata.ArtistMetadata(ctx, payload.ArtistID)
		return fetchErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch metadata for artist %s", payload.ArtistID)
	}

	h.store.UpdateProgress(job.ID, 70, "saving metadata")

	err = h.library.WithTx(ctx, func(tx LibraryTx) error {
		return tx.SaveArtistMetadata(ctx, meta)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to save artist metadata")
	}

	result := EnrichmentResult{
		ArtistID:   meta.ArtistID,
		Name:       meta.Name,
		VideoCount: meta.VideoCount,
	}
	return json.Marshal(result)
}
