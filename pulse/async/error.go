package async

import (
	"context"
	"strings"

	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
)

// ErrorCode represents the classification of a run failure
type ErrorCode string

const (
	ErrorCodeCanceled      ErrorCode = "canceled"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeNetworkError  ErrorCode = "network_error"
	ErrorCodeDatabaseError ErrorCode = "database_error"
	ErrorCodeParseError    ErrorCode = "parse_error"
	ErrorCodeInvalid       ErrorCode = "invalid_request"
	ErrorCodePanic         ErrorCode = "panic"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext provides structured error information for run failures
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
}

// errPanic marks errors recovered from a panicking run body
var errPanic = errors.New("run body panicked")

// ClassifyError categorizes an error based on its type and message
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}
	errLower := strings.ToLower(ec.Message)

	switch {
	case errors.IsCanceled(err):
		ec.Code = ErrorCodeCanceled
	case errors.Is(err, errPanic):
		ec.Code = ErrorCodePanic
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) ||
		strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ec.Code = ErrorCodeTimeout
	case errors.IsInvalidRequestError(err):
		ec.Code = ErrorCodeInvalid
	case db.IsDatabaseClosed(err) || db.IsParameterLimit(err) ||
		strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ec.Code = ErrorCodeDatabaseError
	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") ||
		strings.Contains(errLower, "dial"):
		ec.Code = ErrorCodeNetworkError
	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") ||
		strings.Contains(errLower, "invalid json"):
		ec.Code = ErrorCodeParseError
	default:
		ec.Code = ErrorCodeUnknown
	}
	return ec
}
