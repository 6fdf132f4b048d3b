package testing

import (
	"testing"

	"github.com/4liaghaie/scraper-dashboard/db"
)

// CreateTestDB creates an in-memory SQLite database with all migrations applied.
// The pool is pinned to one connection so every query sees the same memory
// database. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *db.DB {
	t.Helper()

	d, err := db.Open("sqlite", ":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	d.SetMaxOpenConns(1)

	if err := db.Migrate(d, nil); err != nil {
		d.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		d.Close()
	})

	return d
}
