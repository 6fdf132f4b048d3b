package schedule

import "time"

// Execution is one pass of the daily pipeline, whether fired by cron or run
// on demand. Runs lists the engine runs it started, in order.
type Execution struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"` // cron or manual
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Runs       []StepRun  `json:"runs"`
	Error      string     `json:"error,omitempty"`
}

// StepRun is the outcome of one pipeline step
type StepRun struct {
	Kind   string `json:"kind"`
	RunID  int64  `json:"run_id,omitempty"` // 0 when the run never started
	Status string `json:"status"`           // terminal run status, "timeout" or "not_started"
	Note   string `json:"note,omitempty"`
}

// Execution statuses
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusSkipped   = "skipped"
)

// Triggers
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// Step statuses that are not run statuses
const (
	StepTimeout    = "timeout"
	StepNotStarted = "not_started"
)

// Duration is how long the execution ran, zero while running
func (e *Execution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
