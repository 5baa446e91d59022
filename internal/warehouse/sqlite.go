package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/mf-intel/internal/model"
)

// SQLiteStore implements Store on a local SQLite file for single-machine runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dataset_versions (
	version      INTEGER PRIMARY KEY CHECK (version > 0),
	cycle_id     TEXT NOT NULL,
	checksum     TEXT NOT NULL,
	fact_count   INTEGER NOT NULL,
	committed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_facts (
	version        INTEGER NOT NULL REFERENCES dataset_versions(version) ON DELETE CASCADE,
	geography_key  TEXT NOT NULL,
	period         TEXT NOT NULL,
	metric         TEXT NOT NULL,
	value          TEXT NOT NULL,
	is_numeric     INTEGER NOT NULL,
	winning_source TEXT NOT NULL,
	confidence     TEXT NOT NULL,
	fetched_at     TEXT NOT NULL,
	conflict       TEXT,
	PRIMARY KEY (version, geography_key, period, metric)
);

CREATE TABLE IF NOT EXISTS fact_contributors (
	version       INTEGER NOT NULL REFERENCES dataset_versions(version) ON DELETE CASCADE,
	geography_key TEXT NOT NULL,
	period        TEXT NOT NULL,
	metric        TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	source_id     TEXT NOT NULL,
	confidence    TEXT NOT NULL,
	value         TEXT NOT NULL,
	is_numeric    INTEGER NOT NULL,
	fetched_at    TEXT NOT NULL,
	rollup_key    TEXT NOT NULL DEFAULT '',
	observed_at   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (version, geography_key, period, metric, ordinal)
);

-- Rows are immutable once committed. Whole versions may be pruned; the
-- cascade takes their facts and contributors along.
DROP TRIGGER IF EXISTS dataset_versions_no_delete;
DROP TRIGGER IF EXISTS dataset_facts_no_delete;
CREATE TRIGGER IF NOT EXISTS dataset_versions_no_update BEFORE UPDATE ON dataset_versions
BEGIN SELECT RAISE(ABORT, 'dataset versions are append-only'); END;
CREATE TRIGGER IF NOT EXISTS dataset_facts_no_update BEFORE UPDATE ON dataset_facts
BEGIN SELECT RAISE(ABORT, 'dataset versions are append-only'); END;
CREATE TRIGGER IF NOT EXISTS fact_contributors_no_update BEFORE UPDATE ON fact_contributors
BEGIN SELECT RAISE(ABORT, 'dataset versions are append-only'); END;
`

// Migrate creates the schema and adds columns missing from older files.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return s.ensureColumn(ctx, "fact_contributors", "observed_at", `TEXT NOT NULL DEFAULT ''`)
}

func (s *SQLiteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return eris.Wrapf(err, "sqlite: scan table info %s", table)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return eris.Wrapf(err, "sqlite: iterate table info %s", table)
	}
	rows.Close()
	_, err = s.db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl)
	return eris.Wrapf(err, "sqlite: add column %s.%s", table, column)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LatestVersion implements Store.
func (s *SQLiteStore) LatestVersion(ctx context.Context) (*model.DatasetVersion, error) {
	v, err := scanSQLiteVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions ORDER BY version DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest version")
	}
	return v, nil
}

// InsertVersion implements Store.
func (s *SQLiteStore) InsertVersion(ctx context.Context, v *model.DatasetVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dataset_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?)`,
		v.Number, v.CycleID, v.Checksum, v.FactCount, timeUTC(v.CommittedAt),
	); err != nil {
		if isSQLiteConstraint(err) {
			return eris.Wrapf(ErrWriteConflict, "version %d already exists", v.Number)
		}
		return eris.Wrapf(err, "sqlite: insert version %d", v.Number)
	}

	factStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dataset_facts (version, geography_key, period, metric, value, is_numeric,
		 winning_source, confidence, fetched_at, conflict) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare fact insert")
	}
	defer factStmt.Close() //nolint:errcheck

	contribStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fact_contributors (version, geography_key, period, metric, ordinal, source_id,
		 confidence, value, is_numeric, fetched_at, rollup_key, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare contributor insert")
	}
	defer contribStmt.Close() //nolint:errcheck

	for _, f := range v.Facts {
		var conflict any
		if f.Conflict != nil {
			b, err := json.Marshal(f.Conflict)
			if err != nil {
				return eris.Wrapf(err, "sqlite: encode conflict for %s", f.Key)
			}
			conflict = string(b)
		}
		if _, err := factStmt.ExecContext(ctx, v.Number, f.Key.GeographyKey, f.Key.Period, f.Key.Metric,
			f.Value.String(), f.Value.IsNumeric(), string(f.WinningSource), string(f.Confidence),
			timeUTC(f.FetchedAt), conflict); err != nil {
			return eris.Wrapf(err, "sqlite: insert fact %s", f.Key)
		}
		for i, c := range f.Contributors {
			if _, err := contribStmt.ExecContext(ctx, v.Number, f.Key.GeographyKey, f.Key.Period, f.Key.Metric,
				i, string(c.SourceID), string(c.Confidence), c.Value.String(), c.Value.IsNumeric(),
				timeUTC(c.FetchedAt), c.RollupKey, optionalTimeUTC(c.ObservedAt)); err != nil {
				return eris.Wrapf(err, "sqlite: insert contributor of %s", f.Key)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "sqlite: commit version %d", v.Number)
	}
	return nil
}

// ReadVersion implements Store.
func (s *SQLiteStore) ReadVersion(ctx context.Context, number int64) (*model.DatasetVersion, error) {
	v, err := scanSQLiteVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE version = ?`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrVersionNotFound, "version %d", number)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read version %d", number)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT geography_key, period, metric, value, is_numeric, winning_source, confidence, fetched_at,
		        COALESCE(conflict, '')
		 FROM dataset_facts WHERE version = ?`, number)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query facts for version %d", number)
	}
	index := make(map[model.FactKey]int)
	for rows.Next() {
		var (
			f                      model.ReconciledFact
			value, source, conf    string
			fetchedAt, conflictRaw string
			numeric                bool
		)
		if err := rows.Scan(&f.Key.GeographyKey, &f.Key.Period, &f.Key.Metric, &value, &numeric,
			&source, &conf, &fetchedAt, &conflictRaw); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		if f.Value, err = model.ParseValue(value, numeric); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: fact %s", f.Key)
		}
		if f.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: fetched_at of %s", f.Key)
		}
		if conflictRaw != "" {
			f.Conflict = &model.Conflict{}
			if err := json.Unmarshal([]byte(conflictRaw), f.Conflict); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "sqlite: decode conflict for %s", f.Key)
			}
		}
		f.WinningSource = model.SourceID(source)
		if f.Confidence, err = model.ParseConfidence(conf); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: fact %s", f.Key)
		}
		index[f.Key] = len(v.Facts)
		v.Facts = append(v.Facts, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate facts")
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT geography_key, period, metric, source_id, confidence, value, is_numeric, fetched_at, rollup_key,
		        observed_at
		 FROM fact_contributors WHERE version = ?
		 ORDER BY geography_key, period, metric, ordinal`, number)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query contributors for version %d", number)
	}
	defer crows.Close()
	for crows.Next() {
		var (
			key                 model.FactKey
			r                   model.NormalizedRecord
			source, conf, value string
			fetchedAt, observed string
			numeric             bool
		)
		if err := crows.Scan(&key.GeographyKey, &key.Period, &key.Metric, &source, &conf,
			&value, &numeric, &fetchedAt, &r.RollupKey, &observed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contributor")
		}
		i, ok := index[key]
		if !ok {
			return nil, eris.Errorf("sqlite: contributor references unknown fact %s", key)
		}
		if r.Period, err = model.ParsePeriod(key.Period); err != nil {
			return nil, eris.Wrapf(err, "sqlite: contributor of %s", key)
		}
		if r.Value, err = model.ParseValue(value, numeric); err != nil {
			return nil, eris.Wrapf(err, "sqlite: contributor of %s", key)
		}
		if r.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: contributor fetched_at of %s", key)
		}
		if observed != "" {
			if r.ObservedAt, err = time.Parse(time.RFC3339Nano, observed); err != nil {
				return nil, eris.Wrapf(err, "sqlite: contributor observed_at of %s", key)
			}
		}
		r.GeographyKey = key.GeographyKey
		r.Metric = key.Metric
		r.SourceID = model.SourceID(source)
		if r.Confidence, err = model.ParseConfidence(conf); err != nil {
			return nil, eris.Wrapf(err, "sqlite: contributor of %s", key)
		}
		v.Facts[i].Contributors = append(v.Facts[i].Contributors, r)
	}
	if err := crows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate contributors")
	}

	model.SortFacts(v.Facts)
	return v, nil
}

// ListVersions implements Store.
func (s *SQLiteStore) ListVersions(ctx context.Context) ([]model.DatasetVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM dataset_versions ORDER BY version DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var out []model.DatasetVersion
	for rows.Next() {
		v, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVersion(row sqlScanner) (*model.DatasetVersion, error) {
	var (
		v           model.DatasetVersion
		committedAt string
	)
	if err := row.Scan(&v.Number, &v.CycleID, &v.Checksum, &v.FactCount, &committedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, committedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: committed_at of version %d", v.Number)
	}
	v.CommittedAt = t
	return &v, nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// timeUTC renders t for TEXT timestamp columns.
func timeUTC(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// optionalTimeUTC is timeUTC with the zero time stored as ''.
func optionalTimeUTC(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return timeUTC(t)
}
