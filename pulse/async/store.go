package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Store handles persistence of jobs, runs, run parts and events
type Store struct {
	db *db.DB
}

// NewStore creates a new run store
func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// GetOrCreateJob returns the id of the job with the given name, creating it
// the first time a run of that name starts.
func (s *Store) GetOrCreateJob(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO jobs (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`),
		name, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create job %s", name)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM jobs WHERE name = ?`), name).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "failed to look up job %s", name)
	}
	return id, nil
}

// CreateRun inserts a queued run and returns its id
func (s *Store) CreateRun(ctx context.Context, jobID int64, total int, meta map[string]interface{}) (int64, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal run meta")
	}

	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO job_runs (job_id, status, queued_at, total, meta)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		jobID, string(StatusQueued), time.Now().UTC(), total, metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create run")
	}
	return id, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runSelectColumns+runFrom+` WHERE r.id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %d", id)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runSelectColumns + runFrom + ` WHERE 1 = 1`
	var args []interface{}
	if filter.Kind != "" {
		query += ` AND j.name = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += ` AND r.status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY r.id DESC LIMIT ?`
	args = append(args, limit)

	return s.queryRuns(ctx, query, args...)
}

// ListUnfinishedRuns returns queued or running runs, optionally for one kind
func (s *Store) ListUnfinishedRuns(ctx context.Context, kind string) ([]*Run, error) {
	query := `SELECT ` + runSelectColumns + runFrom + ` WHERE r.status IN ('queued', 'running')`
	var args []interface{}
	if kind != "" {
		query += ` AND j.name = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY r.id`
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}
	return runs, nil
}

// MarkRunning moves a queued run to running. started_at is set once; a
// non-nil total replaces the stored total but never drops below processed.
// Terminal runs are left alone.
func (s *Store) MarkRunning(ctx context.Context, id int64, total *int) (bool, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if total != nil {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_runs
			SET status = ?, started_at = COALESCE(started_at, ?),
			    total = CASE WHEN processed > ? THEN processed ELSE ? END
			WHERE id = ? AND status IN ('queued', 'running')`),
			string(StatusRunning), now, *total, *total, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_runs
			SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status IN ('queued', 'running')`),
			string(StatusRunning), now, id)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark run %d running", id)
	}
	return affectedOne(res)
}

// ApplyTick adds one tick to the run counters and appends its event in a
// single transaction. It returns the run as of that transaction, or nil when
// the run does not exist.
func (s *Store) ApplyTick(ctx context.Context, id int64, ok bool, delta int, ev Event) (*Run, error) {
	okInc, failInc := 0, delta
	if ok {
		okInc, failInc = delta, 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tick")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE job_runs
		SET processed = processed + ?,
		    ok_count = ok_count + ?,
		    fail_count = fail_count + ?,
		    total = CASE WHEN total < processed + ? THEN processed + ? ELSE total END
		WHERE id = ?`),
		delta, okInc, failInc, delta, delta, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to tick run %d", id)
	}
	found, err := affectedOne(res)
	if err != nil || !found {
		return nil, err
	}

	if err := insertEvent(ctx, tx, s.db.Dialect, id, ev); err != nil {
		return nil, err
	}
	run, err := scanRun(tx.QueryRowContext(ctx, s.q(`SELECT `+runSelectColumns+runFrom+` WHERE r.id = ?`), id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run %d after tick", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit tick")
	}
	return run, nil
}

// AppendEvent appends an event without touching counters
func (s *Store) AppendEvent(ctx context.Context, id int64, ev Event) error {
	return insertEvent(ctx, s.db, s.db.Dialect, id, ev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, dialect db.Dialect, runID int64, ev Event) error {
	metaJSON, err := marshalMeta(ev.Meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event meta")
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, dialect.Rebind(`
		INSERT INTO job_events (run_id, ts, level, message, plus, meta)
		VALUES (?, ?, ?, ?, ?, ?)`),
		runID, ts, truncate(ev.Level, maxLevelLen), truncate(ev.Message, maxMessageLen), ev.Plus, metaJSON)
	if err != nil {
		return errors.Wrapf(err, "failed to append event to run %d", runID)
	}
	return nil
}

// Finish moves a run to a terminal status. The update only applies while the
// run is not yet terminal, so concurrent finishers race safely: exactly one
// sees applied == true. An error status also records note as error_text.
func (s *Store) Finish(ctx context.Context, id int64, status RunStatus, note string) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.NewInvalidRequestError("status %q is not terminal", status)
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if status == StatusError {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_runs
			SET status = ?, finished_at = ?, note = ?, error_text = ?
			WHERE id = ? AND status NOT IN `+terminalStatusSQL),
			string(status), now, note, note, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_runs
			SET status = ?, finished_at = ?, note = ?
			WHERE id = ? AND status NOT IN `+terminalStatusSQL),
			string(status), now, note, id)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to finish run %d", id)
	}
	return affectedOne(res)
}

// GetOrCreatePart returns the part for (run, site, stage), creating it on demand
func (s *Store) GetOrCreatePart(ctx context.Context, runID int64, site, stage string) (*Part, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO job_run_parts (run_id, site, stage, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, site, stage) DO NOTHING`),
		runID, site, stage, string(StatusQueued))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create part %s/%s", site, stage)
	}

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+partSelectColumns+`
		FROM job_run_parts WHERE run_id = ? AND site = ? AND stage = ?`), runID, site, stage)
	part, err := scanPart(row)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load part %s/%s", site, stage)
	}
	return part, nil
}

// GetPart retrieves a part by ID
func (s *Store) GetPart(ctx context.Context, id int64) (*Part, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+partSelectColumns+` FROM job_run_parts WHERE id = ?`), id)
	part, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("part %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get part %d", id)
	}
	return part, nil
}

// ListParts returns the parts of a run in creation order
func (s *Store) ListParts(ctx context.Context, runID int64) ([]*Part, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+partSelectColumns+`
		FROM job_run_parts WHERE run_id = ? ORDER BY id`), runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list parts")
	}
	defer rows.Close()

	var parts []*Part
	for rows.Next() {
		part, err := scanPart(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan part")
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

// MarkPartRunning starts a part; a non-nil total replaces the stored total
func (s *Store) MarkPartRunning(ctx context.Context, id int64, total *int) error {
	now := time.Now().UTC()
	var err error
	if total != nil {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_run_parts
			SET status = ?, started_at = COALESCE(started_at, ?),
			    total = CASE WHEN processed > ? THEN processed ELSE ? END
			WHERE id = ? AND status IN ('queued', 'running')`),
			string(StatusRunning), now, *total, *total, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE job_run_parts
			SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status IN ('queued', 'running')`),
			string(StatusRunning), now, id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to mark part %d running", id)
	}
	return nil
}

// TickPart adds delta processed items to a part, keeping total >= processed
func (s *Store) TickPart(ctx context.Context, id int64, ok bool, delta int) error {
	okInc, failInc := 0, delta
	if ok {
		okInc, failInc = delta, 0
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_run_parts
		SET processed = processed + ?,
		    ok_count = ok_count + ?,
		    fail_count = fail_count + ?,
		    total = CASE WHEN total < processed + ? THEN processed + ? ELSE total END
		WHERE id = ?`),
		delta, okInc, failInc, delta, delta, id)
	if err != nil {
		return errors.Wrapf(err, "failed to tick part %d", id)
	}
	return nil
}

// FinishPart moves a part to a terminal status at most once
func (s *Store) FinishPart(ctx context.Context, id int64, status RunStatus, note string) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.NewInvalidRequestError("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_run_parts
		SET status = ?, finished_at = ?, note = ?
		WHERE id = ? AND status NOT IN `+terminalStatusSQL),
		string(status), time.Now().UTC(), note, id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to finish part %d", id)
	}
	return affectedOne(res)
}

// ListEvents returns the latest limit events of a run in (ts, id) order
func (s *Store) ListEvents(ctx context.Context, runID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+eventSelectColumns+`
		FROM job_events WHERE run_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`), runID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating events")
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
