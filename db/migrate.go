package db

import (
	"database/sql"
	"embed"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate brings the schema up to date, applying each pending migration in
// its own transaction. Migration 000 bootstraps the schema_migrations
// ledger and is the only one allowed to run before the ledger exists.
func Migrate(conn *sql.DB, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		done, err := alreadyApplied(conn, version)
		if err != nil {
			if version != "000" {
				return errors.Wrapf(err, "migration ledger unreadable at %s", name)
			}
			// Ledger missing on a fresh database; 000 creates it
		} else if done {
			continue
		}

		if err := applyMigration(conn, name, version); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "symbol", sym.DB, "migration", name)
		}
	}
	return nil
}

// migrationFiles lists the embedded .sql files in version order.
func migrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func alreadyApplied(conn *sql.DB, version string) (bool, error) {
	var done bool
	err := conn.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
	).Scan(&done)
	return done, err
}

// applyMigration runs one file and records its version in the same
// transaction, so a failed migration leaves no ledger entry behind.
func applyMigration(conn *sql.DB, name, version string) error {
	script, err := migrationFS.ReadFile(migrationDir + "/" + name)
	if err != nil {
		return errors.Wrapf(err, "read %s", name)
	}

	tx, err := conn.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return errors.Wrapf(err, "execute %s", name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return errors.Wrapf(err, "record %s", name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", name)
}
