// Package pulse holds the vocabulary shared by the run engine and the
// pipelines it executes. It has no dependencies on either side so pipeline
// code can report progress without importing the engine.
package pulse

import "context"

// Event levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Stages of a source inside a run. A RunPart is keyed by (site, stage).
const (
	StageURLs    = "urls"
	StageDetails = "details"
	StageStores  = "stores"
)

// Progress is the run-scoped reporting surface handed to a run body.
//
// Implementations must be safe for concurrent use: detail batches of
// different sources may tick from several goroutines.
type Progress interface {
	// MarkRunning records the run as started and replaces its total
	MarkRunning(ctx context.Context, total int) error

	// Tick counts max(plus,1) processed items as ok or failed and appends an
	// event. A "site" key in meta also counts against that site's RunPart
	// (stage taken from meta "stage", default details).
	Tick(ctx context.Context, ok bool, plus int, note string, meta map[string]interface{}) error

	// Log appends an event without touching counters
	Log(ctx context.Context, level, message string, meta map[string]interface{}) error

	// StartPart gets or creates the RunPart for (site, stage) and marks it running
	StartPart(ctx context.Context, site, stage string, total int) (int64, error)

	// FinishPart moves a RunPart to a terminal status
	FinishPart(ctx context.Context, partID int64, status, note string) error
}
