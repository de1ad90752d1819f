package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/sym"
)

// pragmas applied to every connection. WAL lets readers proceed during
// writes; the busy timeout covers the brief writer lock handoff.
var pragmas = []struct {
	name  string
	value string
}{
	{"journal_mode", "WAL"},
	{"foreign_keys", "ON"},
	{"busy_timeout", "5000"},
}

// Open opens the SQLite database at path and applies the standard pragma
// set. A nil logger keeps it silent. In-memory databases get a single
// pooled connection, since every connection to ":memory:" is its own
// database.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if inMemory {
		conn.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if inMemory && p.name == "journal_mode" {
			continue
		}
		if _, err := conn.Exec("PRAGMA " + p.name + " = " + p.value); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "pragma %s", p.name)
		}
	}

	if logger != nil {
		logger.Infow("Database opened",
			"symbol", sym.DB,
			"path", path,
			"in_memory", inMemory,
		)
	}
	return conn, nil
}
