// Package handlers provides the concrete job handlers Mosaic registers at
// startup: metadata enrichment, downloads, bulk media operations, thumbnail
// generation, quality analysis/upgrade, library indexing, retention cleanup,
// and scheduled discovery.
//
// Handlers depend only on the collaborator interfaces below; the real
// metadata service, download backend, and library storage live outside the
// job subsystem.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
)

// ArtistMetadata is the enrichment result for one artist.
type ArtistMetadata struct {
	ArtistID     string   `json:"artist_id"`
	Name         string   `json:"name"`
	Genres       []string `json:"genres,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	VideoCount   int      `json:"video_count"`
}

// VideoRelease is one discoverable video for an artist.
type VideoRelease struct {
	VideoID   string    `json:"video_id"`
	ArtistID  string    `json:"artist_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Quality   string    `json:"quality,omitempty"`
	Published time.Time `json:"published,omitempty"`
}

// MediaInfo is the probed quality of a stored video file.
type MediaInfo struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Codec       string `json:"codec"`
	BitrateKbps int    `json:"bitrate_kbps"`
}

// MetadataClient talks to the external metadata service.
type MetadataClient interface {
	ArtistMetadata(ctx context.Context, artistID string) (*ArtistMetadata, error)
	DiscoverVideos(ctx context.Context, artistID string) ([]VideoRelease, error)
}

// DownloadClient fetches and probes media.
type DownloadClient interface {
	// Download fetches url at the requested quality, reporting percentage
	// progress through the callback, and returns the stored path.
	Download(ctx context.Context, url, quality string, progress func(pct int)) (string, error)
	Probe(ctx context.Context, path string) (*MediaInfo, error)
	GenerateThumbnail(ctx context.Context, videoPath string) (string, error)
}

// Library is the domain entity store. WithTx scopes every access to a
// transaction that commits on nil return and rolls back on error or panic,
// so a handler can never leak a half-applied change.
type Library interface {
	WithTx(ctx context.Context, fn func(tx LibraryTx) error) error
}

// LibraryTx is the per-transaction view of the library.
type LibraryTx interface {
	ListVideoIDs(ctx context.Context) ([]string, error)
	VideoPath(ctx context.Context, videoID string) (string, error)
	VideoURL(ctx context.Context, videoID string) (string, error)
	SetVideoStatus(ctx context.Context, videoID, status string) error
	SetVideoQuality(ctx context.Context, videoID string, info MediaInfo) error
	SetVideoThumbnail(ctx context.Context, videoID, thumbnailPath string) error
	SaveArtistMetadata(ctx context.Context, meta *ArtistMetadata) error
	DeleteVideo(ctx context.Context, videoID string) error
	ReplaceIndex(ctx context.Context, videoIDs []string) error
}

// Deps carries everything a handler factory closes over.
type Deps struct {
	Store     *jobs.Store
	Metadata  MetadataClient
	Downloads DownloadClient
	Library   Library
	Logger    *zap.SugaredLogger
}

// RegisterAll wires every job type to its handler factory.
func RegisterAll(registry *jobs.Registry, deps Deps) {
	registry.Register(jobs.TypeEnrichment, func() jobs.Handler { return NewEnrichmentHandler(deps) })
	registry.Register(jobs.TypeDownload, func() jobs.Handler { return NewDownloadHandler(deps) })
	registry.Register(jobs.TypeBulkOperation, func() jobs.Handler { return NewBulkHandler(deps) })
	registry.Register(jobs.TypeThumbnail, func() jobs.Handler { return NewThumbnailHandler(deps) })
	registry.Register(jobs.TypeCleanup, func() jobs.Handler { return NewCleanupHandler(deps) })
	registry.Register(jobs.TypeQualityAnalyze, func() jobs.Handler { return NewQualityAnalyzeHandler(deps) })
	registry.Register(jobs.TypeQualityUpgrade, func() jobs.Handler { return NewQualityUpgradeHandler(deps) })
	registry.Register(jobs.TypeIndexing, func() jobs.Handler { return NewIndexingHandler(deps) })
	registry.Register(jobs.TypeScheduledDownload, func() jobs.Handler { return NewDownloadHandler(deps) })
	registry.Register(jobs.TypeScheduledDiscovery, func() jobs.Handler { return NewDiscoveryHandler(deps) })
}

// networkAttempts bounds in-attempt retries around a single external call.
// This is distinct from the store's job-level retry: the handler gives the
// dependency a few chances before the whole attempt fails.
const networkAttempts = 3

// metadataLimiter paces calls to the metadata service across all handlers.
var metadataLimiter = rate.NewLimiter(rate.Limit(5), 10)

// withNetworkRetry runs op up to networkAttempts times with a paced limiter
// and doubling backoff between attempts. Context cancellation and fatal
// errors stop the retries immediately.
func withNetworkRetry(ctx context.Context, limiter *rate.Limiter, op func() error) error {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < networkAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait interrupted")
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if jobs.IsFatal(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Wrapf(lastErr, "gave up after %d attempts", networkAttempts)
}
