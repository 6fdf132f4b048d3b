package db

import (
	"strconv"
	"strings"
)

// Dialect names a supported storage engine
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a config driver name to a Dialect
func ParseDialect(name string) (Dialect, bool) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, true
	case "postgres", "postgresql", "pgx":
		return Postgres, true
	}
	return "", false
}

// DriverName is the database/sql driver registered for the dialect
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return sqliteDriverName
}

// MaxVariables is the bound-parameter budget used when sizing batches.
// SQLite builds default to 999; 900 leaves headroom for fixed parameters.
// Postgres allows 65535 per statement.
func (d Dialect) MaxVariables() int {
	if d == Postgres {
		return 65535
	}
	return 900
}

// Rebind rewrites ? placeholders into $n for postgres.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns "?, ?, ?" with n markers
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d Dialect) migrationsDir() string {
	if d == Postgres {
		return "postgres/migrations"
	}
	return "sqlite/migrations"
}
