package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	d, err := OpenWithMigrations("sqlite", dbPath, nil)
	require.NoError(t, err)
	defer d.Close()

	for _, table := range []string{"schema_migrations", "jobs", "job_runs", "job_run_parts", "job_events", "sites", "products", "schedule_executions"} {
		var n int
		require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n))
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	var sites int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM sites").Scan(&sites))
	assert.Equal(t, 3, sites)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	d, err := OpenWithMigrations("sqlite", dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(d, nil))

	var versions int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 4, versions)
	d.Close()

	// reopening applies nothing new
	d, err = OpenWithMigrations("sqlite", dbPath, nil)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 4, versions)
}

func TestMigrationsReportState(t *testing.T) {
	d, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer d.Close()

	before, err := Migrations(d)
	require.NoError(t, err)
	require.Len(t, before, 4)
	assert.Equal(t, "000", before[0].Version)
	for _, m := range before {
		assert.False(t, m.Applied, m.File)
	}

	require.NoError(t, Migrate(d, nil))
	after, err := Migrations(d)
	require.NoError(t, err)
	for _, m := range after {
		assert.True(t, m.Applied, m.File)
	}
}

func TestIsParameterLimit(t *testing.T) {
	assert.True(t, IsParameterLimit(errors.New("too many SQL variables")))
	assert.True(t, IsParameterLimit(errors.Wrap(errors.New("too many parameters"), "upsert")))
	assert.True(t, IsParameterLimit(errors.New("extended protocol limited to 65535 parameters")))
	assert.False(t, IsParameterLimit(errors.New("UNIQUE constraint failed")))
	assert.False(t, IsParameterLimit(nil))
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("boom")))
}
