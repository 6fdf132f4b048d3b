package db

import (
	"strings"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while the server is shutting down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Driver errors are matched by message since they cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsParameterLimit reports whether the engine rejected a statement for
// carrying too many bound parameters. SQLite says "too many SQL variables";
// postgres drivers report "too many parameters" or "extended protocol limited
// to 65535 parameters"; some drivers surface the f405 code.
func IsParameterLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many sql variables") ||
		strings.Contains(msg, "too many parameters") ||
		strings.Contains(msg, "limited to 65535 parameters") ||
		strings.Contains(msg, "f405")
}
