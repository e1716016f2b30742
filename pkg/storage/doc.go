// Package storage owns the SQL connection pool, the schema and the shared
// persistence helpers used by the campusgate stores.
//
// Two drivers are supported: PostgreSQL (lib/pq) in production and SQLite
// (mattn/go-sqlite3) for development and tests. Migrations are written once
// with dialect placeholders and expanded per driver:
//
//	db, err := storage.Open(ctx, storage.DefaultConfig("postgres", url))
//	if err != nil {
//		return err
//	}
//	if _, err := storage.Migrate(ctx, db, "postgres"); err != nil {
//		return err
//	}
//
// Queries use $N placeholders in ascending order, which both drivers accept.
//
// # Uniqueness
//
// Stores never check-then-insert. They let the unique index decide and map
// the driver error with IsUniqueViolation.
package storage
