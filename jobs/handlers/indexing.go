package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/sym"
)

// IndexingResult reports how many videos the rebuilt index covers.
type IndexingResult struct {
	Indexed int `json:"indexed"`
}

// IndexingHandler rebuilds the library search index. The whole rebuild runs
// inside one library transaction so a failure partway leaves the old index
// intact.
type IndexingHandler struct {
	store   *jobs.Store
	library Library
	logger  *zap.SugaredLogger
}

func NewIndexingHandler(deps Deps) *IndexingHandler {
	return &IndexingHandler{
		store:   deps.Store,
		library: deps.Library,
		logger:  deps.Logger.Named("indexing"),
	}
}

func (h *IndexingHandler) Type() jobs.JobType { return jobs.TypeIndexing }

func (h *IndexingHandler) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	h.store.UpdateProgress(job.ID, 10, "scanning library")

	var indexed int
	err := h.library.WithTx(ctx, func(tx LibraryTx) error {
		videoIDs, txErr := tx.ListVideoIDs(ctx)
		if txErr != nil {
			return txErr
		}
		h.store.UpdateProgress(job.ID, 50, "rebuilding index")
		if txErr := tx.ReplaceIndex(ctx, videoIDs); txErr != nil {
			return txErr
		}
		indexed = len(videoIDs)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "index rebuild failed")
	}

	h.logger.Infow("Rebuilt library index",
		"symbol", sym.Job,
		"job_id", job.ID,
		"indexed", indexed,
	)
	return json.Marshal(IndexingResult{Indexed: indexed})
}
