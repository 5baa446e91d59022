package geo

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/db"
)

// Store persists a crosswalk in Postgres so every process resolves parcels
// against the same boundaries.
type Store struct {
	pool db.Pool
}

// NewStore creates a Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

var (
	submarketUpsert = db.UpsertConfig{
		Table:        "crosswalk_submarkets",
		Columns:      []string{"submarket_key", "name", "aliases", "boundary", "position"},
		ConflictKeys: []string{"submarket_key"},
	}
	zipUpsert = db.UpsertConfig{
		Table:        "crosswalk_zips",
		Columns:      []string{"zip", "submarket_key"},
		ConflictKeys: []string{"zip"},
	}
)

// Save upserts every submarket and zip mapping. Existing rows not in cw are
// left alone.
func (s *Store) Save(ctx context.Context, cw *Crosswalk) (int64, error) {
	subs := cw.Submarkets()
	subRows := make([][]any, 0, len(subs))
	var zipRows [][]any
	for i, sm := range subs {
		boundary, err := EncodeEWKB(sm.Boundary)
		if err != nil {
			return 0, eris.Wrapf(err, "geo: encode boundary for %s", sm.Key)
		}
		aliases := sm.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		subRows = append(subRows, []any{sm.Key, sm.Name, aliases, boundary, i})
		for _, z := range sm.Zips {
			zipRows = append(zipRows, []any{z, sm.Key})
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, submarketUpsert, subRows)
	if err != nil {
		return 0, eris.Wrap(err, "geo: save submarkets")
	}
	z, err := db.BulkUpsert(ctx, s.pool, zipUpsert, zipRows)
	if err != nil {
		return n, eris.Wrap(err, "geo: save zips")
	}

	zap.L().Info("crosswalk saved",
		zap.String("component", "geo.store"),
		zap.Int64("submarkets", n),
		zap.Int64("zips", z),
	)
	return n + z, nil
}

// Load rebuilds a crosswalk from the stored tables.
func (s *Store) Load(ctx context.Context) (*Crosswalk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT submarket_key, name, aliases, boundary FROM crosswalk_submarkets ORDER BY position, submarket_key`)
	if err != nil {
		return nil, eris.Wrap(err, "geo: query submarkets")
	}
	var subs []Submarket
	index := make(map[string]int)
	for rows.Next() {
		var (
			sm       Submarket
			boundary []byte
		)
		if err := rows.Scan(&sm.Key, &sm.Name, &sm.Aliases, &boundary); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "geo: scan submarket")
		}
		if sm.Boundary, err = DecodeEWKB(boundary); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "geo: boundary for %s", sm.Key)
		}
		index[sm.Key] = len(subs)
		subs = append(subs, sm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geo: iterate submarkets")
	}

	zrows, err := s.pool.Query(ctx, `SELECT zip, submarket_key FROM crosswalk_zips ORDER BY zip`)
	if err != nil {
		return nil, eris.Wrap(err, "geo: query zips")
	}
	defer zrows.Close()
	for zrows.Next() {
		var zip, key string
		if err := zrows.Scan(&zip, &key); err != nil {
			return nil, eris.Wrap(err, "geo: scan zip")
		}
		i, ok := index[key]
		if !ok {
			return nil, eris.Errorf("geo: zip %s references unknown submarket %s", zip, key)
		}
		subs[i].Zips = append(subs[i].Zips, zip)
	}
	if err := zrows.Err(); err != nil {
		return nil, eris.Wrap(err, "geo: iterate zips")
	}

	return New(subs)
}
