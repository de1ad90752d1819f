package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	conn, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer conn.Close()

	var fk int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var timeout int
	require.NoError(t, conn.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil), "a second run finds nothing pending")

	files, err := migrationFiles()
	require.NoError(t, err)

	var recorded int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded))
	assert.Equal(t, len(files), recorded, "every migration recorded exactly once")

	var jobsTable string
	require.NoError(t, conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'jobs'",
	).Scan(&jobsTable))
	assert.Equal(t, "jobs", jobsTable)
}
