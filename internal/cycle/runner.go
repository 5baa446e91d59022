package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/reconcile"
	"github.com/sells-group/mf-intel/internal/source"
	"github.com/sells-group/mf-intel/internal/warehouse"
)

var (
	// ErrNoSources is returned when a cycle selects no adapters.
	ErrNoSources = eris.New("cycle: no sources selected")

	// ErrAllUnavailable fails a cycle in which no source could be fetched.
	ErrAllUnavailable = eris.New("cycle: every source unavailable")
)

// Options configures a Runner.
type Options struct {
	Registry *source.Registry
	Engine   reconcile.Engine
	Writer   *warehouse.Writer

	// Recorder defaults to a LogRecorder.
	Recorder Recorder

	// Now stamps cycle start and finish. Nil means time.Now.
	Now func() time.Time

	// NewID generates cycle ids. Nil means random UUIDs.
	NewID func() string
}

// RunOpts selects what a single cycle covers.
type RunOpts struct {
	Sources []model.SourceID // empty means every registered source
	Range   model.PeriodRange
}

// Runner executes refresh cycles.
type Runner struct {
	reg    *source.Registry
	engine reconcile.Engine
	writer *warehouse.Writer
	rec    Recorder
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.Recorder == nil {
		opts.Recorder = NewLogRecorder()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Runner{
		reg:    opts.Registry,
		engine: opts.Engine,
		writer: opts.Writer,
		rec:    opts.Recorder,
		now:    opts.Now,
		newID:  opts.NewID,
		log:    zap.L().With(zap.String("component", "cycle.runner")),
	}
}

// Recorder returns the runner's recorder.
func (r *Runner) Recorder() Recorder { return r.rec }

// fetched holds one adapter's output for the normalize stage.
type fetched struct {
	adapter source.Adapter
	records []model.RawRecord
}

// Run executes one cycle. The returned report is non-nil whenever the cycle
// started; its State is Committed or Failed. The error is the cycle's
// failure cause, if any.
//
// A source that fails after its retries is marked unavailable and the cycle
// continues with the others. Cancelling ctx before the commit stage fails the
// cycle; once committing has begun the commit runs to completion.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	adapters, err := r.reg.Select(opts.Sources)
	if err != nil {
		return nil, eris.Wrap(err, "cycle: select sources")
	}
	if len(adapters) == 0 {
		return nil, ErrNoSources
	}

	rep := &Report{
		CycleID:   r.newID(),
		State:     StateFetching,
		Range:     opts.Range,
		StartedAt: r.now().UTC(),
		Sources:   make(map[model.SourceID]*SourceReport, len(adapters)),
	}
	for _, a := range adapters {
		rep.Sources[a.ID()] = &SourceReport{}
	}
	log := r.log.With(zap.String("cycle_id", rep.CycleID), zap.String("range", opts.Range.String()))
	log.Info("cycle starting", zap.Int("sources", len(adapters)))

	if err := r.rec.Start(ctx, rep.CycleID, rep.StartedAt); err != nil {
		log.Error("failed to record cycle start", zap.Error(err))
	}

	results := r.fetch(ctx, adapters, opts.Range, rep, log)
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, rep, eris.Wrap(err, "cycle: cancelled while fetching"), log)
	}
	if len(rep.Unavailable()) == len(adapters) {
		return r.fail(ctx, rep, ErrAllUnavailable, log)
	}

	r.transition(ctx, rep, StateNormalizing, log)
	records := r.normalize(results, opts.Range, rep, log)
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, rep, eris.Wrap(err, "cycle: cancelled while normalizing"), log)
	}

	r.transition(ctx, rep, StateReconciling, log)
	records = geo.Rollup(records)
	rep.Records = len(records)
	res := r.engine.Reconcile(records)
	rep.Facts = len(res.Facts)
	rep.Conflicts = res.Conflicts
	for _, f := range res.Conflicted() {
		log.Warn("conflict unresolved",
			zap.String("fact", f.Key.String()),
			zap.String("winner", string(f.WinningSource)),
			zap.String("value", f.Value.String()),
			zap.Float64("max_deviation", f.Conflict.MaxDeviation),
			zap.Float64("tolerance", f.Conflict.Tolerance),
			zap.Strings("values", f.Conflict.Values),
		)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, rep, eris.Wrap(err, "cycle: cancelled before commit"), log)
	}

	r.transition(ctx, rep, StateCommitting, log)
	v, err := r.writer.Commit(context.WithoutCancel(ctx), rep.CycleID, res.Facts)
	if err != nil {
		return r.fail(ctx, rep, err, log)
	}
	summary := v.Summary()
	rep.Version = &summary
	rep.State = StateCommitted
	rep.FinishedAt = r.now().UTC()
	r.finish(ctx, rep, log)

	log.Info("cycle committed",
		zap.Int64("version", v.Number),
		zap.Int("facts", rep.Facts),
		zap.Int("conflicts", rep.Conflicts),
		zap.Any("unavailable", rep.Unavailable()),
		zap.Bool("degraded", rep.Degraded()),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, nil
}

// fetch drains every adapter concurrently. Each goroutine absorbs its own
// failure so one source going down never cancels the others.
func (r *Runner) fetch(ctx context.Context, adapters []source.Adapter, pr model.PeriodRange, rep *Report, log *zap.Logger) []fetched {
	results := make([]fetched, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		sr := rep.Sources[a.ID()]
		srcLog := log.With(zap.String("source", string(a.ID())))
		g.Go(func() error {
			recs, errc := a.Fetch(gctx, pr)
			var got []model.RawRecord
			for raw := range recs {
				got = append(got, raw)
			}
			if err := <-errc; err != nil {
				sr.Unavailable = true
				sr.Error = err.Error()
				if ctx.Err() == nil {
					srcLog.Warn("source unavailable", zap.Error(err), zap.Int("partial_records", len(got)))
				}
				return nil
			}
			sr.Fetched = len(got)
			results[i] = fetched{adapter: a, records: got}
			srcLog.Info("source fetched", zap.Int("records", len(got)))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// normalize maps raw records onto metric records. Mismatched records are
// dropped and counted; records outside the range are filtered.
func (r *Runner) normalize(results []fetched, pr model.PeriodRange, rep *Report, log *zap.Logger) []model.NormalizedRecord {
	var out []model.NormalizedRecord
	for _, res := range results {
		if res.adapter == nil {
			continue
		}
		id := res.adapter.ID()
		sr := rep.Sources[id]
		for _, raw := range res.records {
			recs, err := res.adapter.Normalize(raw)
			if err != nil {
				sr.SchemaMismatches++
				if !errors.Is(err, source.ErrSchemaMismatch) {
					err = eris.Wrap(source.ErrSchemaMismatch, err.Error())
				}
				log.Warn("schema mismatch", zap.String("source", string(id)), zap.Error(err))
				continue
			}
			kept := 0
			for _, nr := range recs {
				if !pr.Contains(nr.Period) {
					continue
				}
				out = append(out, nr)
				kept++
			}
			if kept == 0 {
				sr.Filtered++
			}
			sr.Normalized += kept
		}
		log.Debug("source normalized",
			zap.String("source", string(id)),
			zap.Int("normalized", sr.Normalized),
			zap.Int("filtered", sr.Filtered),
			zap.Int("schema_mismatches", sr.SchemaMismatches),
		)
	}
	return out
}

func (r *Runner) transition(ctx context.Context, rep *Report, to State, log *zap.Logger) {
	if !CanTransition(rep.State, to) {
		log.Error("illegal cycle transition", zap.String("from", string(rep.State)), zap.String("to", string(to)))
		return
	}
	rep.State = to
	if err := r.rec.Transition(ctx, rep.CycleID, to); err != nil {
		log.Error("failed to record cycle transition", zap.String("state", string(to)), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, rep *Report, err error, log *zap.Logger) (*Report, error) {
	rep.State = StateFailed
	rep.Err = err
	rep.FinishedAt = r.now().UTC()
	log.Error("cycle failed", zap.Error(err))
	r.finish(ctx, rep, log)
	return rep, err
}

// finish records the terminal state even when ctx has been cancelled.
func (r *Runner) finish(ctx context.Context, rep *Report, log *zap.Logger) {
	if err := r.rec.Finish(context.WithoutCancel(ctx), rep); err != nil {
		log.Error("failed to record cycle finish", zap.Error(err))
	}
}
