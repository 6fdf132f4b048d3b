package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("opens sqlite with pragmas", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		d, err := Open("sqlite", dbPath, nil)
		require.NoError(t, err)
		defer d.Close()
		assert.Equal(t, SQLite, d.Dialect)

		var journalMode string
		require.NoError(t, d.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, d.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, d.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 5000, busyTimeout)
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		_, err := Open("mysql", "x", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver")
	})
}

func TestEveryPooledConnectionEnforcesForeignKeys(t *testing.T) {
	d, err := OpenWithMigrations("sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	conns := make([]*sql.Conn, 4)
	for i := range conns {
		conn, err := d.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()
		conns[i] = conn
	}

	for i, conn := range conns {
		var foreignKeys, busyTimeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 1, foreignKeys, "conn %d", i)
		assert.Equal(t, 5000, busyTimeout, "conn %d", i)
	}

	// deleting a run on the last connection cascades to its events
	last := conns[len(conns)-1]
	_, err = last.ExecContext(ctx, "INSERT INTO jobs (name, created_at) VALUES ('full_fresh_run', CURRENT_TIMESTAMP)")
	require.NoError(t, err)
	res, err := last.ExecContext(ctx, "INSERT INTO job_runs (job_id, status, queued_at) VALUES ((SELECT id FROM jobs WHERE name = 'full_fresh_run'), 'queued', CURRENT_TIMESTAMP)")
	require.NoError(t, err)
	runID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = last.ExecContext(ctx, "INSERT INTO job_events (run_id, ts, level, message) VALUES (?, CURRENT_TIMESTAMP, 'info', 'queued')", runID)
	require.NoError(t, err)
	_, err = last.ExecContext(ctx, "DELETE FROM job_runs WHERE id = ?", runID)
	require.NoError(t, err)

	var events int
	require.NoError(t, last.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_events WHERE run_id = ?", runID).Scan(&events))
	assert.Zero(t, events)
}

func TestDialectRebind(t *testing.T) {
	q := "UPDATE job_runs SET note = ? WHERE id = ? AND status = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "UPDATE job_runs SET note = $1 WHERE id = $2 AND status = $3", Postgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, ok := ParseDialect("PostgreSQL")
	assert.True(t, ok)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "pgx", d.DriverName())

	d, ok = ParseDialect("sqlite3")
	assert.True(t, ok)
	assert.Equal(t, sqliteDriverName, d.DriverName())

	_, ok = ParseDialect("oracle")
	assert.False(t, ok)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}
