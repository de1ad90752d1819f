// Package media provides the external collaborators for job handlers: an
// HTTP metadata client and an exec-based download backend built on yt-dlp
// and ffmpeg.
package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs/handlers"
)

// HTTPMetadataClient talks to a metadata service speaking the Mosaic
// metadata API (JSON over HTTP).
type HTTPMetadataClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewHTTPMetadataClient creates a client for the service at baseURL.
func NewHTTPMetadataClient(baseURL string, logger *zap.SugaredLogger) *HTTPMetadataClient {
	return &HTTPMetadataClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("metadata"),
	}
}

// ArtistMetadata fetches one artist's metadata.
func (c *HTTPMetadataClient) ArtistMetadata(ctx context.Context, artistID string) (*handlers.ArtistMetadata, error) {
	var meta handlers.ArtistMetadata
	if err := c.getJSON(ctx, "/v1/artists/"+url.PathEscape(artistID), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DiscoverVideos lists an artist's known releases.
func (c *HTTPMetadataClient) DiscoverVideos(ctx context.Context, artistID string) ([]handlers.VideoRelease, error) {
	var response struct {
		Videos []handlers.VideoRelease `json:"videos"`
	}
	if err := c.getJSON(ctx, "/v1/artists/"+url.PathEscape(artistID)+"/videos", &response); err != nil {
		return nil, err
	}
	return response.Videos, nil
}

func (c *HTTPMetadataClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "metadata request failed: %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("metadata service returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode metadata response: %s", path)
	}
	return nil
}
