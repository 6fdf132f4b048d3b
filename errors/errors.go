// Package errors is the error package used across scraperd.
//
// It re-exports github.com/cockroachdb/errors so call sites get stack traces,
// wrapping, hints and details from a single import:
//
//	if err := store.Tick(ctx, runID, in); err != nil {
//	    return errors.WithDetail(errors.Wrap(err, "tick run"), fmt.Sprintf("Run ID: %d", runID))
//	}
//
// Sentinels below are matched with errors.Is and mapped to HTTP status codes by
// the server package.
package errors

import (
	"context"
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Join         = crdb.Join
)

// Hints and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

var (
	// ErrNotFound indicates the requested run, job or row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (unknown kind, bad params)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a state transition that is no longer possible
	ErrConflict = New("conflict")

	// ErrTimeout indicates an operation gave up waiting
	ErrTimeout = New("operation timed out")

	// ErrServiceUnavailable indicates a dependency (database, api) is unreachable
	ErrServiceUnavailable = New("service unavailable")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsCanceled reports whether err comes from a cancelled context.
// Driver errors that only carry the text are matched as well.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "context canceled")
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
