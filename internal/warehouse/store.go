// Package warehouse publishes reconciled facts as immutable, numbered
// dataset versions and serves them back to readers.
package warehouse

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/model"
)

var (
	// ErrWriteConflict means another committer took the version number.
	ErrWriteConflict = eris.New("warehouse: write conflict")

	// ErrCommitFailure means the commit failed for a reason other than a
	// lost race. Nothing was published.
	ErrCommitFailure = eris.New("warehouse: commit failure")

	// ErrVersionNotFound is returned by reads of a version that does not exist.
	ErrVersionNotFound = eris.New("warehouse: version not found")

	// ErrInvalidRef is returned for a version reference that is neither a
	// positive number nor "latest".
	ErrInvalidRef = eris.New("warehouse: invalid version reference")
)

// Store holds dataset versions. Implementations never update or delete a
// version once inserted.
type Store interface {
	// LatestVersion returns the highest committed version without facts,
	// or nil when the store is empty.
	LatestVersion(ctx context.Context) (*model.DatasetVersion, error)

	// InsertVersion atomically publishes v with its facts. It returns an
	// error wrapping ErrWriteConflict when v.Number is already taken.
	InsertVersion(ctx context.Context, v *model.DatasetVersion) error

	// ReadVersion returns a version with its facts, or ErrVersionNotFound.
	ReadVersion(ctx context.Context, number int64) (*model.DatasetVersion, error)

	// ListVersions returns every version without facts, newest first.
	ListVersions(ctx context.Context) ([]model.DatasetVersion, error)
}

// CommitError reports a failed commit. errors.Is matches both
// ErrCommitFailure and the underlying cause.
type CommitError struct {
	Version int64
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("warehouse: commit version %d: %v", e.Version, e.Err)
}

// Unwrap exposes ErrCommitFailure and the cause.
func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailure, e.Err} }

// Latest is the version reference that resolves to the newest version.
const Latest = "latest"

// ParseRef parses a version reference: a positive number or "latest".
// The number is 0 for latest.
func ParseRef(ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if strings.EqualFold(ref, Latest) {
		return 0, nil
	}
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || n < 1 {
		return 0, eris.Wrapf(ErrInvalidRef, "%q (want a number or %q)", ref, Latest)
	}
	return n, nil
}

func cloneVersion(v model.DatasetVersion) model.DatasetVersion {
	if v.Facts == nil {
		return v
	}
	facts := make([]model.ReconciledFact, len(v.Facts))
	for i, f := range v.Facts {
		f.Contributors = slices.Clone(f.Contributors)
		if f.Conflict != nil {
			c := *f.Conflict
			c.Values = slices.Clone(c.Values)
			f.Conflict = &c
		}
		facts[i] = f
	}
	v.Facts = facts
	return v
}
