// Package storagetest builds migrated in-memory databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/platinummonkey/campusgate/pkg/storage"
)

// NewSQLite opens a private in-memory SQLite database with the full schema applied.
// The database is closed when the test ends.
func NewSQLite(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := storage.Migrate(context.Background(), db, storage.DriverSQLite); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}
