// Package cycle drives one refresh cycle: fetch every source, normalize,
// reconcile, and commit a new dataset version.
package cycle

import (
	"time"

	"github.com/sells-group/mf-intel/internal/model"
)

// State is a refresh cycle's position in its state machine:
// fetching -> normalizing -> reconciling -> committing -> committed | failed.
type State string

// Cycle states.
const (
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateReconciling State = "reconciling"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// next lists the states reachable from each state. Any non-terminal state
// may fail.
var next = map[State]State{
	StateFetching:    StateNormalizing,
	StateNormalizing: StateReconciling,
	StateReconciling: StateCommitting,
	StateCommitting:  StateCommitted,
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	return to == StateFailed || next[from] == to
}

// SourceReport summarizes one source's part in a cycle.
type SourceReport struct {
	Fetched          int    `json:"fetched"`
	Normalized       int    `json:"normalized"`
	Filtered         int    `json:"filtered"`
	SchemaMismatches int    `json:"schema_mismatches"`
	Unavailable      bool   `json:"unavailable"`
	Error            string `json:"error,omitempty"`
}

// Report is the outcome of one cycle.
type Report struct {
	CycleID    string                           `json:"cycle_id"`
	State      State                            `json:"state"`
	Range      model.PeriodRange                `json:"range"`
	StartedAt  time.Time                        `json:"started_at"`
	FinishedAt time.Time                        `json:"finished_at"`
	Sources    map[model.SourceID]*SourceReport `json:"sources"`
	Records    int                              `json:"records"`
	Facts      int                              `json:"facts"`
	Conflicts  int                              `json:"conflicts"`
	Version    *model.DatasetVersion            `json:"version,omitempty"`
	Err        error                            `json:"-"`
}

// Unavailable returns the sources that could not be fetched.
func (r *Report) Unavailable() []model.SourceID {
	var out []model.SourceID
	for _, id := range model.AllSources {
		if sr, ok := r.Sources[id]; ok && sr.Unavailable {
			out = append(out, id)
		}
	}
	return out
}

// Degraded reports whether the cycle ran without at least one source.
func (r *Report) Degraded() bool {
	return len(r.Unavailable()) > 0
}
