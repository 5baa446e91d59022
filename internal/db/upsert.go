package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed bulk write.
type UpsertConfig struct {
	Table        string   // target, optionally schema-qualified
	Columns      []string // columns present in each row
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // nil means every non-key column
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	keys := make(map[string]bool, len(c.ConflictKeys))
	for _, k := range c.ConflictKeys {
		keys[k] = true
	}
	var out []string
	for _, col := range c.Columns {
		if !keys[col] {
			out = append(out, col)
		}
	}
	return out
}

// upsertSQL builds the INSERT ... SELECT ... ON CONFLICT statement that moves
// staged rows into the target.
func (c UpsertConfig) upsertSQL(staging string) string {
	cols := quoteAndJoin(c.Columns)
	action := "DO NOTHING"
	if upd := c.updateCols(); len(upd) > 0 {
		sets := make([]string, len(upd))
		for i, col := range upd {
			q := pgx.Identifier{col}.Sanitize()
			sets[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		Identifier(c.Table).Sanitize(), cols, cols,
		pgx.Identifier{staging}.Sanitize(), quoteAndJoin(c.ConflictKeys), action)
}

// BulkUpsert stages rows in a temp table with COPY, then merges them into the
// target in the same transaction.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := "_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(), Identifier(cfg.Table).Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY staging for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.upsertSQL(staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit")
	}
	return tag.RowsAffected(), nil
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
