package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
const (
	// Identity
	FieldRunID     = "run_id"
	FieldJobName   = "job"
	FieldKind      = "kind"
	FieldRequestID = "request_id"
	FieldPartID    = "part_id"

	// Components
	FieldComponent = "component"
	FieldSite      = "site"
	FieldStage     = "stage"

	// Requests
	FieldMethod = "method"
	FieldPath   = "path"
	FieldURL    = "url"
	FieldHTTP   = "http_status"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldAttempt    = "attempt"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldAffected  = "affected"
	FieldTotal     = "total"

	// Status
	FieldStatus = "status"
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	requestIDKey contextKey = "logger_request_id"
	siteKey      contextKey = "logger_site"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID int64) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithSite adds a source name to the context for logging
func WithSite(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, siteKey, site)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(int64); ok && runID != 0 {
		fields = append(fields, FieldRunID, runID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if site, ok := ctx.Value(siteKey).(string); ok && site != "" {
		fields = append(fields, FieldSite, site)
	}

	return fields
}

// FromContext returns base (or the global logger when base is nil) with the
// context fields attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a component.
//
//	engine := async.NewEngine(store, registry, broker, logger.ComponentLogger("engine"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Nop returns l, or a no-op logger when l is nil.
func Nop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
