package async

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// runScanArgs holds the nullable columns of a run row
type runScanArgs struct {
	Meta       sql.NullString
	ErrorText  sql.NullString
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime
}

// runSelectColumns is the column list expected by scanRun
const runSelectColumns = `r.id, r.job_id, j.name, r.status,
		r.total, r.processed, r.ok_count, r.fail_count,
		r.note, r.meta, r.error_text,
		r.queued_at, r.started_at, r.finished_at`

// runFrom joins runs with their job so the kind is always available
const runFrom = ` FROM job_runs r JOIN jobs j ON j.id = r.job_id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var args runScanArgs
	err := row.Scan(
		&run.ID, &run.JobID, &run.Kind, &run.Status,
		&run.Total, &run.Processed, &run.OK, &run.Fail,
		&run.Note, &args.Meta, &args.ErrorText,
		&run.QueuedAt, &args.StartedAt, &args.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	meta, err := unmarshalMeta(args.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta for run %d: %w", run.ID, err)
	}
	run.Meta = meta
	if args.ErrorText.Valid {
		run.ErrorText = args.ErrorText.String
	}
	if args.StartedAt.Valid {
		run.StartedAt = &args.StartedAt.Time
	}
	if args.FinishedAt.Valid {
		run.FinishedAt = &args.FinishedAt.Time
	}
	return &run, nil
}

const partSelectColumns = `id, run_id, site, stage, status,
		total, processed, ok_count, fail_count, note,
		started_at, finished_at`

func scanPart(row scanner) (*Part, error) {
	var part Part
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&part.ID, &part.RunID, &part.Site, &part.Stage, &part.Status,
		&part.Total, &part.Processed, &part.OK, &part.Fail, &part.Note,
		&startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		part.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		part.FinishedAt = &finishedAt.Time
	}
	return &part, nil
}

const eventSelectColumns = `id, run_id, ts, level, message, plus, meta`

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	var meta sql.NullString
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.TS, &ev.Level, &ev.Message, &ev.Plus, &meta); err != nil {
		return nil, err
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta for event %d: %w", ev.ID, err)
	}
	ev.Meta = m
	return &ev, nil
}

func marshalMeta(meta map[string]interface{}) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || raw.String == "" || raw.String == "{}" {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
