package testing

import (
	"database/sql"
	"testing"

	"github.com/mosaicvideo/mosaic/db"
)

// CreateTestDB opens an in-memory SQLite database with the full schema
// applied and closes it when the test finishes.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
