package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/db"
	"github.com/sells-group/mf-intel/internal/model"
)

var (
	factColumns = []string{
		"version", "geography_key", "period", "metric", "value", "is_numeric",
		"winning_source", "confidence", "fetched_at", "conflict",
	}
	contributorColumns = []string{
		"version", "geography_key", "period", "metric", "ordinal", "source_id",
		"confidence", "value", "is_numeric", "fetched_at", "rollup_key", "observed_at",
	}
)

const versionColumns = `version, cycle_id, checksum, fact_count, committed_at`

// PostgresStore keeps versions in dataset_versions, dataset_facts and
// fact_contributors. A version and its facts land in one transaction, so
// readers never see a partial version.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LatestVersion implements Store.
func (s *PostgresStore) LatestVersion(ctx context.Context) (*model.DatasetVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions ORDER BY version DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: latest version")
	}
	return v, nil
}

// InsertVersion implements Store.
func (s *PostgresStore) InsertVersion(ctx context.Context, v *model.DatasetVersion) error {
	factRows, contribRows, err := versionRows(v)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO dataset_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		v.Number, v.CycleID, v.Checksum, v.FactCount, v.CommittedAt,
	); err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrWriteConflict, "version %d already exists", v.Number)
		}
		return eris.Wrapf(err, "warehouse: insert version %d", v.Number)
	}

	if _, err := db.CopyFrom(ctx, tx, "dataset_facts", factColumns, factRows); err != nil {
		return eris.Wrapf(err, "warehouse: load facts for version %d", v.Number)
	}
	if _, err := db.CopyFrom(ctx, tx, "fact_contributors", contributorColumns, contribRows); err != nil {
		return eris.Wrapf(err, "warehouse: load contributors for version %d", v.Number)
	}

	if err := tx.Commit(ctx); err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrWriteConflict, "version %d already exists", v.Number)
		}
		return eris.Wrapf(err, "warehouse: commit version %d", v.Number)
	}
	return nil
}

// ReadVersion implements Store.
func (s *PostgresStore) ReadVersion(ctx context.Context, number int64) (*model.DatasetVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE version = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrVersionNotFound, "version %d", number)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: read version %d", number)
	}

	facts, index, err := s.readFacts(ctx, number)
	if err != nil {
		return nil, err
	}
	if err := s.readContributors(ctx, number, facts, index); err != nil {
		return nil, err
	}
	model.SortFacts(facts)
	v.Facts = facts
	return v, nil
}

// ListVersions implements Store.
func (s *PostgresStore) ListVersions(ctx context.Context) ([]model.DatasetVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM dataset_versions ORDER BY version DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list versions")
	}
	defer rows.Close()

	var out []model.DatasetVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: scan version")
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) readFacts(ctx context.Context, number int64) ([]model.ReconciledFact, map[model.FactKey]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT geography_key, period, metric, value, is_numeric, winning_source, confidence, fetched_at,
		        COALESCE(conflict::text, '')
		 FROM dataset_facts WHERE version = $1
		 ORDER BY geography_key, period, metric`, number)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "warehouse: query facts for version %d", number)
	}
	defer rows.Close()

	var facts []model.ReconciledFact
	index := make(map[model.FactKey]int)
	for rows.Next() {
		var (
			f        model.ReconciledFact
			value    string
			numeric  bool
			source   string
			conf     string
			conflict string
		)
		if err := rows.Scan(&f.Key.GeographyKey, &f.Key.Period, &f.Key.Metric, &value, &numeric,
			&source, &conf, &f.FetchedAt, &conflict); err != nil {
			return nil, nil, eris.Wrap(err, "warehouse: scan fact")
		}
		if f.Value, err = model.ParseValue(value, numeric); err != nil {
			return nil, nil, eris.Wrapf(err, "warehouse: fact %s", f.Key)
		}
		f.WinningSource = model.SourceID(source)
		if f.Confidence, err = model.ParseConfidence(conf); err != nil {
			return nil, nil, eris.Wrapf(err, "warehouse: fact %s", f.Key)
		}
		f.FetchedAt = f.FetchedAt.UTC()
		if conflict != "" {
			f.Conflict = &model.Conflict{}
			if err := json.Unmarshal([]byte(conflict), f.Conflict); err != nil {
				return nil, nil, eris.Wrapf(err, "warehouse: decode conflict for %s", f.Key)
			}
		}
		index[f.Key] = len(facts)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "warehouse: iterate facts")
	}
	return facts, index, nil
}

func (s *PostgresStore) readContributors(ctx context.Context, number int64, facts []model.ReconciledFact, index map[model.FactKey]int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT geography_key, period, metric, source_id, confidence, value, is_numeric, fetched_at, rollup_key,
		        observed_at
		 FROM fact_contributors WHERE version = $1
		 ORDER BY geography_key, period, metric, ordinal`, number)
	if err != nil {
		return eris.Wrapf(err, "warehouse: query contributors for version %d", number)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key      model.FactKey
			r        model.NormalizedRecord
			source   string
			conf     string
			value    string
			numeric  bool
			observed *time.Time
		)
		if err := rows.Scan(&key.GeographyKey, &key.Period, &key.Metric, &source, &conf,
			&value, &numeric, &r.FetchedAt, &r.RollupKey, &observed); err != nil {
			return eris.Wrap(err, "warehouse: scan contributor")
		}
		i, ok := index[key]
		if !ok {
			return eris.Errorf("warehouse: contributor references unknown fact %s", key)
		}
		if r.Period, err = model.ParsePeriod(key.Period); err != nil {
			return eris.Wrapf(err, "warehouse: contributor of %s", key)
		}
		if r.Value, err = model.ParseValue(value, numeric); err != nil {
			return eris.Wrapf(err, "warehouse: contributor of %s", key)
		}
		r.GeographyKey = key.GeographyKey
		r.Metric = key.Metric
		r.SourceID = model.SourceID(source)
		if r.Confidence, err = model.ParseConfidence(conf); err != nil {
			return eris.Wrapf(err, "warehouse: contributor of %s", key)
		}
		r.FetchedAt = r.FetchedAt.UTC()
		if observed != nil {
			r.ObservedAt = observed.UTC()
		}
		facts[i].Contributors = append(facts[i].Contributors, r)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "warehouse: iterate contributors")
	}
	return nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanVersion(row pgx.Row) (*model.DatasetVersion, error) {
	var v model.DatasetVersion
	var count int32
	if err := row.Scan(&v.Number, &v.CycleID, &v.Checksum, &count, &v.CommittedAt); err != nil {
		return nil, err
	}
	v.FactCount = int(count)
	v.CommittedAt = v.CommittedAt.UTC()
	return &v, nil
}

// versionRows flattens v into COPY rows for dataset_facts and
// fact_contributors.
func versionRows(v *model.DatasetVersion) (facts, contributors [][]any, err error) {
	facts = make([][]any, 0, len(v.Facts))
	for _, f := range v.Facts {
		var conflict any
		if f.Conflict != nil {
			b, err := json.Marshal(f.Conflict)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "warehouse: encode conflict for %s", f.Key)
			}
			conflict = b
		}
		facts = append(facts, []any{
			v.Number, f.Key.GeographyKey, f.Key.Period, f.Key.Metric,
			f.Value.String(), f.Value.IsNumeric(),
			string(f.WinningSource), string(f.Confidence), f.FetchedAt.UTC(), conflict,
		})
		for i, c := range f.Contributors {
			contributors = append(contributors, []any{
				v.Number, f.Key.GeographyKey, f.Key.Period, f.Key.Metric, int32(i),
				string(c.SourceID), string(c.Confidence), c.Value.String(), c.Value.IsNumeric(),
				c.FetchedAt.UTC(), c.RollupKey, nullTime(c.ObservedAt),
			})
		}
	}
	return facts, contributors, nil
}
