// Package library implements the media library over SQLite. Every access
// runs inside a transaction that commits on success and rolls back on error
// or panic.
package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs/handlers"
)

// Library is the SQLite-backed implementation of handlers.Library.
type Library struct {
	db *sql.DB
}

// New creates a library over an opened database. The schema is applied by
// db.Migrate.
func New(db *sql.DB) *Library {
	return &Library{db: db}
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (l *Library) WithTx(ctx context.Context, fn func(tx handlers.LibraryTx) error) error {
	sqlTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&libraryTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	committed = true
	return nil
}

type libraryTx struct {
	tx *sql.Tx
}

func (t *libraryTx) ListVideoIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM videos ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list videos")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan video id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating videos")
	}
	return ids, nil
}

func (t *libraryTx) VideoPath(ctx context.Context, videoID string) (string, error) {
	return t.videoColumn(ctx, videoID, "path")
}

func (t *libraryTx) VideoURL(ctx context.Context, videoID string) (string, error) {
	return t.videoColumn(ctx, videoID, "url")
}

func (t *libraryTx) videoColumn(ctx context.Context, videoID, column string) (string, error) {
	// column is a compile-time constant at every call site, never user input
	var value string
	err := t.tx.QueryRowContext(ctx, `SELECT `+column+` FROM videos WHERE id = ?`, videoID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Newf("video not found: %s", videoID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read video %s", videoID)
	}
	return value, nil
}

func (t *libraryTx) SetVideoStatus(ctx context.Context, videoID, status string) error {
	return t.updateVideo(ctx, videoID, `UPDATE videos SET status = ?, updated_at = ? WHERE id = ?`, status)
}

func (t *libraryTx) SetVideoThumbnail(ctx context.Context, videoID, thumbnailPath string) error {
	return t.updateVideo(ctx, videoID, `UPDATE videos SET thumbnail_path = ?, updated_at = ? WHERE id = ?`, thumbnailPath)
}

func (t *libraryTx) updateVideo(ctx context.Context, videoID, query string, value interface{}) error {
	result, err := t.tx.ExecContext(ctx, query, value, time.Now().UTC(), videoID)
	if err != nil {
		return errors.Wrapf(err, "failed to update video %s", videoID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("video not found: %s", videoID)
	}
	return nil
}

func (t *libraryTx) SetVideoQuality(ctx context.Context, videoID string, info handlers.MediaInfo) error {
	query := `
		UPDATE videos
		SET width = ?, height = ?, codec = ?, bitrate_kbps = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := t.tx.ExecContext(ctx, query,
		info.Width, info.Height, info.Codec, info.BitrateKbps, time.Now().UTC(), videoID)
	if err != nil {
		return errors.Wrapf(err, "failed to record quality for video %s", videoID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("video not found: %s", videoID)
	}
	return nil
}

func (t *libraryTx) SaveArtistMetadata(ctx context.Context, meta *handlers.ArtistMetadata) error {
	genres, err := json.Marshal(meta.Genres)
	if err != nil {
		return errors.Wrap(err, "failed to marshal genres")
	}

	query := `
		INSERT INTO artists (id, name, genres, thumbnail_url, video_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			genres = excluded.genres,
			thumbnail_url = excluded.thumbnail_url,
			video_count = excluded.video_count,
			updated_at = excluded.updated_at
	`
	_, err = t.tx.ExecContext(ctx, query,
		meta.ArtistID, meta.Name, string(genres), meta.ThumbnailURL, meta.VideoCount, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to save artist %s", meta.ArtistID)
	}
	return nil
}

func (t *libraryTx) DeleteVideo(ctx context.Context, videoID string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, videoID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete video %s", videoID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("video not found: %s", videoID)
	}
	return nil
}

// ReplaceIndex marks exactly the given videos as indexed.
func (t *libraryTx) ReplaceIndex(ctx context.Context, videoIDs []string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE videos SET indexed = 0`); err != nil {
		return errors.Wrap(err, "failed to clear index")
	}
	for _, id := range videoIDs {
		if _, err := t.tx.ExecContext(ctx, `UPDATE videos SET indexed = 1 WHERE id = ?`, id); err != nil {
			return errors.Wrapf(err, "failed to index video %s", id)
		}
	}
	return nil
}
