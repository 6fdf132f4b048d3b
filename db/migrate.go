package db

import (
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrations embed.FS

// bootstrapVersion creates schema_migrations itself
const bootstrapVersion = "000"

// Migration is one embedded schema step
type Migration struct {
	Version string // numeric prefix of the file name
	File    string
	Applied bool
}

// loadMigrations lists the dialect's migration files in version order
func loadMigrations(dialect Dialect) ([]Migration, error) {
	entries, err := migrations.ReadDir(dialect.migrationsDir())
	if err != nil {
		return nil, errors.Wrapf(err, "read %s migrations", dialect)
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		out = append(out, Migration{Version: version, File: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// appliedVersions reads schema_migrations. ok is false while the table does
// not exist yet.
func appliedVersions(d *DB) (versions map[string]bool, ok bool, err error) {
	rows, err := d.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return map[string]bool{}, false, nil
	}
	defer rows.Close()

	versions = map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, false, errors.Wrap(err, "scan schema_migrations")
		}
		versions[v] = true
	}
	return versions, true, rows.Err()
}

// Migrations reports every embedded migration and whether it is applied
func Migrations(d *DB) ([]Migration, error) {
	all, err := loadMigrations(d.Dialect)
	if err != nil {
		return nil, err
	}
	applied, _, err := appliedVersions(d)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].Applied = applied[all[i].Version]
	}
	return all, nil
}

// Migrate applies pending migrations, each in its own transaction.
// A nil logger keeps it silent.
func Migrate(d *DB, logger *zap.SugaredLogger) error {
	all, err := loadMigrations(d.Dialect)
	if err != nil {
		return err
	}
	applied, tracked, err := appliedVersions(d)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if !tracked && m.Version != bootstrapVersion {
			return errors.Newf("schema_migrations missing before %s", m.File)
		}
		if err := applyMigration(d, m, logger); err != nil {
			return err
		}
		tracked = true
		count++
	}

	if logger != nil && count > 0 {
		logger.Infow("Migrations applied", "applied", count, "known", len(all), "driver", d.Dialect)
	}
	return nil
}

func applyMigration(d *DB, m Migration, logger *zap.SugaredLogger) error {
	body, err := migrations.ReadFile(path.Join(d.Dialect.migrationsDir(), m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}
	if logger != nil {
		logger.Debugw("Applying migration", "migration", m.File)
	}

	tx, err := d.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.File)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.File)
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), m.Version); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "record %s", m.File)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.File)
}
