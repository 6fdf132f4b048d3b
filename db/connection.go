package db

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// sqliteDriverName is go-sqlite3 with per-connection pragmas. SQLite keeps
// foreign_keys and busy_timeout per connection, so every pooled connection
// must set them when it is opened.
const sqliteDriverName = "sqlite3_scraperd"

// sqlitePragmas run on every new SQLite connection. WAL keeps readers
// (status polls, streams) unblocked during ticks.
var sqlitePragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range sqlitePragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return errors.Wrapf(err, "%s", pragma)
				}
			}
			return nil
		},
	})
}

// DB is a connection pool tagged with its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap tags an existing pool (tests use this with sqlmock)
func Wrap(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, Dialect: dialect}
}

// Rebind rewrites placeholders for the pool's dialect
func (d *DB) Rebind(query string) string {
	return d.Dialect.Rebind(query)
}

// Open opens a database for the given driver name and DSN.
// SQLite gets WAL, foreign keys and a busy timeout. If logger is provided,
// logs database operations; otherwise operates silently.
func Open(driver, dsn string, logger *zap.SugaredLogger) (*DB, error) {
	dialect, ok := ParseDialect(driver)
	if !ok {
		return nil, errors.NewInvalidRequestError("unsupported database driver %q", driver)
	}

	if logger != nil {
		logger.Debugw("Opening database", "driver", dialect, "dsn", redactDSN(dialect, dsn))
	}

	sqlDB, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := sqlDB.PingContext(context.Background()); err != nil {
		sqlDB.Close()
		if dialect == SQLite {
			return nil, errors.Wrap(err, "failed to open sqlite connection")
		}
		return nil, errors.Wrap(err, "failed to reach postgres")
	}

	if logger != nil {
		logger.Infow("Database opened successfully", "driver", dialect)
	}

	return &DB{DB: sqlDB, Dialect: dialect}, nil
}

// OpenWithMigrations opens the database and applies pending migrations
func OpenWithMigrations(driver, dsn string, logger *zap.SugaredLogger) (*DB, error) {
	d, err := Open(driver, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(d, logger); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return d, nil
}

func redactDSN(dialect Dialect, dsn string) string {
	if dialect == SQLite {
		return dsn
	}
	return "<redacted>"
}
