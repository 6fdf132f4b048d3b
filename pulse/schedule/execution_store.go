package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
)

// ExecutionStore handles persistence of pipeline execution history
type ExecutionStore struct {
	db *db.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(d *db.DB) *ExecutionStore {
	return &ExecutionStore{db: d}
}

const executionColumns = `id, trigger_kind, status, started_at, finished_at, runs, error`

// Create inserts a running execution. ID and StartedAt are filled in when
// empty.
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = ExecutionStatusRunning
	}
	runs, err := marshalRuns(exec.Runs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.Trigger, exec.Status, exec.StartedAt, exec.FinishedAt, runs, nullString(exec.Error))
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// Finish writes the terminal status, step runs and error of an execution
func (s *ExecutionStore) Finish(ctx context.Context, exec *Execution) error {
	if exec.FinishedAt == nil {
		now := time.Now().UTC()
		exec.FinishedAt = &now
	}
	runs, err := marshalRuns(exec.Runs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedule_executions
		SET status = ?, finished_at = ?, runs = ?, error = ?
		WHERE id = ?`),
		exec.Status, exec.FinishedAt, runs, nullString(exec.Error), exec.ID)
	if err != nil {
		return errors.Wrap(err, "failed to finish execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution %s", exec.ID)
	}
	return nil
}

// Get retrieves an execution by ID
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// List returns recent executions, newest first
func (s *ExecutionStore) List(ctx context.Context, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+executionColumns+` FROM schedule_executions
		ORDER BY started_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var finishedAt sql.NullTime
	var runs string
	var errText sql.NullString
	if err := row.Scan(&exec.ID, &exec.Trigger, &exec.Status, &exec.StartedAt, &finishedAt, &runs, &errText); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	exec.Error = errText.String
	if runs != "" {
		if err := json.Unmarshal([]byte(runs), &exec.Runs); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal runs of execution %s", exec.ID)
		}
	}
	return &exec, nil
}

func marshalRuns(runs []StepRun) (string, error) {
	if len(runs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(runs)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal execution runs")
	}
	return string(b), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
