package warehouse

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/model"
)

// DefaultCommitAttempts bounds how many version numbers a commit tries.
const DefaultCommitAttempts = 5

// WriterOptions configures a Writer.
type WriterOptions struct {
	// MaxAttempts bounds the retries after a write conflict. Default: 5.
	MaxAttempts int

	// Now stamps committed_at. Nil means time.Now.
	Now func() time.Time
}

// Writer commits fact sets as new dataset versions.
type Writer struct {
	store       Store
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultCommitAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         zap.L().With(zap.String("component", "warehouse.writer")),
	}
}

// Store returns the backing store.
func (w *Writer) Store() Store { return w.store }

// Commit publishes facts as version latest+1. When the number is taken by a
// concurrent committer it re-reads the latest version: if that version holds
// the same fact set it is returned instead of publishing a duplicate,
// otherwise the commit retries with the next number.
func (w *Writer) Commit(ctx context.Context, cycleID string, facts []model.ReconciledFact) (*model.DatasetVersion, error) {
	facts = slices.Clone(facts)
	model.SortFacts(facts)
	sum := model.Checksum(facts)

	latest, err := w.store.LatestVersion(ctx)
	if err != nil {
		return nil, &CommitError{Err: eris.Wrap(err, "read latest version")}
	}

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		v := &model.DatasetVersion{
			Number:      nextNumber(latest),
			CommittedAt: w.now().UTC(),
			CycleID:     cycleID,
			Checksum:    sum,
			FactCount:   len(facts),
			Facts:       facts,
		}

		err := w.store.InsertVersion(ctx, v)
		if err == nil {
			w.log.Info("dataset version committed",
				zap.Int64("version", v.Number),
				zap.String("cycle_id", cycleID),
				zap.Int("facts", v.FactCount),
				zap.String("checksum", sum),
				zap.Int("attempt", attempt),
			)
			return v, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return nil, &CommitError{Version: v.Number, Err: err}
		}

		w.log.Warn("version number taken, retrying",
			zap.Int64("version", v.Number),
			zap.String("cycle_id", cycleID),
			zap.Int("attempt", attempt),
		)

		latest, err = w.store.LatestVersion(ctx)
		if err != nil {
			return nil, &CommitError{Version: v.Number, Err: eris.Wrap(err, "re-read latest version")}
		}
		if latest != nil && latest.Checksum == sum {
			w.log.Info("identical fact set already committed",
				zap.Int64("version", latest.Number),
				zap.String("cycle_id", cycleID),
				zap.String("committed_by", latest.CycleID),
			)
			return latest, nil
		}
	}

	return nil, eris.Wrapf(ErrWriteConflict, "warehouse: no free version number after %d attempts", w.maxAttempts)
}

// Read resolves ref ("latest" or a version number) and returns the version
// with its facts.
func (w *Writer) Read(ctx context.Context, ref string) (*model.DatasetVersion, error) {
	n, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		latest, err := w.store.LatestVersion(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: read latest version")
		}
		if latest == nil {
			return nil, eris.Wrap(ErrVersionNotFound, "warehouse: no versions committed")
		}
		n = latest.Number
	}
	return w.store.ReadVersion(ctx, n)
}

// List returns every version without facts, newest first.
func (w *Writer) List(ctx context.Context) ([]model.DatasetVersion, error) {
	return w.store.ListVersions(ctx)
}

func nextNumber(latest *model.DatasetVersion) int64 {
	if latest == nil {
		return 1
	}
	return latest.Number + 1
}
