package warehouse

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the advisory lock held while migrating.
const migrationLockID = 7510428

// Migrate applies pending SQL migrations in lexicographic order under an
// advisory lock so overlapping deploys never race.
func Migrate(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "warehouse.migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "warehouse: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("warehouse: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "warehouse: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "warehouse: record migration %s", name)
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, pool db.Pool) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "warehouse: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
