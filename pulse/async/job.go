// Package async runs scrape jobs in the background and tracks their progress.
//
// A Run is one execution of a registered Kind. The Engine persists every
// lifecycle change directly through the Store and fans progress out to live
// observers through the Broker.
package async

import (
	"time"
)

// RunStatus represents the current state of a run
type RunStatus string

const (
	StatusQueued   RunStatus = "queued"
	StatusRunning  RunStatus = "running"
	StatusDone     RunStatus = "done"
	StatusError    RunStatus = "error"
	StatusCanceled RunStatus = "canceled"
)

// terminalStatusSQL is the NOT IN list guarding terminal transitions
const terminalStatusSQL = "('done', 'error', 'canceled')"

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCanceled:
		return true
	}
	return false
}

// IsValidStatus returns true if the status string is a valid RunStatus
func IsValidStatus(s string) bool {
	switch RunStatus(s) {
	case StatusQueued, StatusRunning, StatusDone, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// Params are the caller-supplied options of a run
type Params map[string]interface{}

// Run is one execution of a job kind.
// Invariants: Processed <= Total once Total is known, OK+Fail <= Processed.
type Run struct {
	ID         int64                  `json:"id"`
	JobID      int64                  `json:"job_id"`
	Kind       string                 `json:"kind"`
	Status     RunStatus              `json:"status"`
	Total      int                    `json:"total"`
	Processed  int                    `json:"processed"`
	OK         int                    `json:"ok"`
	Fail       int                    `json:"fail"`
	Note       string                 `json:"note"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	ErrorText  string                 `json:"error_text,omitempty"`
	QueuedAt   time.Time              `json:"queued_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// Percentage calculates progress as a percentage (0-100)
func (r *Run) Percentage() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Processed) / float64(r.Total) * 100
}

// Part is the per-site, per-stage breakdown of a run
type Part struct {
	ID         int64      `json:"id"`
	RunID      int64      `json:"run_id"`
	Site       string     `json:"site"`
	Stage      string     `json:"stage"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	OK         int        `json:"ok"`
	Fail       int        `json:"fail"`
	Note       string     `json:"note"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event is one entry of a run's append-only trail
type Event struct {
	ID      int64                  `json:"id"`
	RunID   int64                  `json:"run_id"`
	TS      time.Time              `json:"ts"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Plus    int                    `json:"plus"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// Event field limits
const (
	maxLevelLen   = 10
	maxMessageLen = 400
)

// TickInput describes one progress increment
type TickInput struct {
	OK    bool
	Plus  int    // items covered by this tick; values < 1 count as 1
	Note  string // event message
	Level string // defaults to info for ok ticks and error otherwise
	Meta  map[string]interface{}
}

// RunFilter narrows run listings
type RunFilter struct {
	Kind   string
	Status RunStatus
	Limit  int
}

// RunHandle is returned by Start before the body has made any progress
type RunHandle struct {
	RunID int64  `json:"run_id"`
	Kind  string `json:"kind"`
	Total int    `json:"total"`
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
