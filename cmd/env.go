package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/cycle"
	"github.com/sells-group/mf-intel/internal/db"
	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/reconcile"
	"github.com/sells-group/mf-intel/internal/resilience"
	"github.com/sells-group/mf-intel/internal/source"
	"github.com/sells-group/mf-intel/internal/warehouse"
)

// appEnv holds the resources a command works against.
type appEnv struct {
	pool     *pgxpool.Pool // set when store.driver is postgres
	sqlite   *warehouse.SQLiteStore
	writer   *warehouse.Writer
	recorder cycle.Recorder
	closers  []func()
}

// openEnv connects the configured version store. A dry run keeps versions
// in memory but still reads the crosswalk from Postgres when configured.
func openEnv(ctx context.Context, dryRun bool) (*appEnv, error) {
	env := &appEnv{}
	var st warehouse.Store

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open store")
		}
		env.pool = pool
		env.closers = append(env.closers, pool.Close)
		st = warehouse.NewPostgresStore(pool)
		env.recorder = cycle.NewPostgresRecorder(pool)
	case "sqlite":
		s, err := warehouse.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open store")
		}
		env.sqlite = s
		env.closers = append(env.closers, func() { _ = s.Close() })
		st = s
	case "memory":
		st = warehouse.NewMemStore()
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if dryRun {
		zap.L().Info("dry run: versions are kept in memory and discarded")
		st = warehouse.NewMemStore()
		env.recorder = nil
	}
	if env.recorder == nil {
		env.recorder = cycle.NewLogRecorder()
	}
	env.writer = warehouse.NewWriter(st, warehouse.WriterOptions{MaxAttempts: cfg.Writer.MaxAttempts})
	return env, nil
}

// Close releases every connection in reverse order of opening.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// migrate brings the store schema up to date.
func (e *appEnv) migrate(ctx context.Context) error {
	switch {
	case e.pool != nil:
		return warehouse.Migrate(ctx, e.pool)
	case e.sqlite != nil:
		return e.sqlite.Migrate(ctx)
	}
	return nil
}

// loadCrosswalk builds the crosswalk from the database when
// crosswalk.from_db is set, otherwise from crosswalk.path (or the built-in
// Austin table), then attaches shapefile boundaries if configured.
func (e *appEnv) loadCrosswalk(ctx context.Context, fromDB bool) (*geo.Crosswalk, error) {
	var (
		cw  *geo.Crosswalk
		err error
	)
	if fromDB {
		if e.pool == nil {
			return nil, eris.New("crosswalk.from_db needs the postgres store driver")
		}
		cw, err = geo.NewStore(e.pool).Load(ctx)
	} else {
		cw, err = geo.LoadFile(cfg.Crosswalk.Path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "load crosswalk")
	}

	if cfg.Crosswalk.Shapefile != "" {
		bounds, err := geo.ReadShapefile(cfg.Crosswalk.Shapefile, cfg.Crosswalk.NameField, cw)
		if err != nil {
			return nil, eris.Wrap(err, "load crosswalk boundaries")
		}
		if unknown := cw.AttachBoundaries(bounds); len(unknown) > 0 {
			zap.L().Warn("shapefile submarkets missing from crosswalk", zap.Strings("submarkets", unknown))
		}
	}
	return cw, nil
}

// buildRunner wires the adapters, reconciliation engine and writer into a
// cycle runner.
func (e *appEnv) buildRunner(ctx context.Context) (*cycle.Runner, error) {
	cw, err := e.loadCrosswalk(ctx, cfg.Crosswalk.FromDB)
	if err != nil {
		return nil, err
	}

	deps := source.Deps{
		Config:    cfg,
		Crosswalk: cw,
		Retry: resilience.FromConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		),
	}
	if cfg.Sources.Warehouse.Enabled {
		pool, err := db.Connect(ctx, cfg.Sources.Warehouse.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "connect legacy warehouse")
		}
		e.closers = append(e.closers, pool.Close)
		deps.Warehouse = pool
	}

	reg, err := source.NewRegistry(deps)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("sources registered", zap.Any("sources", reg.IDs()))

	return cycle.NewRunner(cycle.Options{
		Registry: reg,
		Engine: reconcile.Engine{Tolerance: reconcile.Tolerance{
			Default:   cfg.Reconcile.Tolerance,
			PerMetric: cfg.Reconcile.MetricTolerances,
		}},
		Writer:   e.writer,
		Recorder: e.recorder,
	}), nil
}
