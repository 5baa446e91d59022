// Package reconcile merges normalized records from every source into one
// fact per geography, period and metric.
package reconcile

import (
	"math"
	"slices"
	"strings"

	"github.com/sells-group/mf-intel/internal/model"
)

// Tolerance is the relative disagreement allowed among numeric
// contributors before a fact is flagged. Categorical values must match.
type Tolerance struct {
	Default   float64
	PerMetric map[string]float64
}

// For returns the tolerance for metric.
func (t Tolerance) For(metric string) float64 {
	if v, ok := t.PerMetric[metric]; ok {
		return v
	}
	return t.Default
}

// Engine selects winners. It holds no state between calls.
type Engine struct {
	Tolerance Tolerance
}

// Result is the output of one reconciliation.
type Result struct {
	// Facts are sorted by key.
	Facts []model.ReconciledFact
	// Conflicts counts facts whose contributors disagreed beyond tolerance.
	Conflicts int
}

// Conflicted returns the facts carrying a conflict.
func (r Result) Conflicted() []model.ReconciledFact {
	var out []model.ReconciledFact
	for _, f := range r.Facts {
		if f.Conflict != nil {
			out = append(out, f)
		}
	}
	return out
}

// Reconcile groups records by fact key and picks one winner per key:
// higher confidence, then later fetched_at, then source priority, then the
// lowest canonical value. The result depends only on the set of records,
// not on their order.
func (e Engine) Reconcile(records []model.NormalizedRecord) Result {
	sorted := slices.Clone(records)
	model.SortRecords(sorted)

	var res Result
	for start := 0; start < len(sorted); {
		key := sorted[start].Key()
		end := start + 1
		for end < len(sorted) && sorted[end].Key() == key {
			end++
		}
		f := e.fact(key, sorted[start:end])
		if f.Conflict != nil {
			res.Conflicts++
		}
		res.Facts = append(res.Facts, f)
		start = end
	}
	return res
}

func (e Engine) fact(key model.FactKey, group []model.NormalizedRecord) model.ReconciledFact {
	winner := group[0]
	for _, r := range group[1:] {
		if beats(r, winner) {
			winner = r
		}
	}

	return model.ReconciledFact{
		Key:           key,
		Value:         winner.Value,
		WinningSource: winner.SourceID,
		Confidence:    winner.Confidence,
		FetchedAt:     winner.FetchedAt,
		Contributors:  slices.Clone(group),
		Conflict:      e.conflict(key.Metric, winner, group),
	}
}

// beats reports whether a takes precedence over b.
func beats(a, b model.NormalizedRecord) bool {
	if ar, br := a.Confidence.Rank(), b.Confidence.Rank(); ar != br {
		return ar > br
	}
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	if ap, bp := a.SourceID.Priority(), b.SourceID.Priority(); ap != bp {
		return ap < bp
	}
	return strings.Compare(a.Value.String(), b.Value.String()) < 0
}

// conflict measures every contributor against the winner. Numeric values
// use |v - w| / max(|w|, eps); anything else conflicts on inequality and
// counts as a full deviation of 1.
func (e Engine) conflict(metric string, winner model.NormalizedRecord, group []model.NormalizedRecord) *model.Conflict {
	if len(group) < 2 {
		return nil
	}
	tol := e.Tolerance.For(metric)
	w := winner.Value

	var maxDev float64
	conflicted := false
	for _, r := range group {
		v := r.Value
		switch {
		case w.IsNumeric() && v.IsNumeric():
			dev := math.Abs(v.Float()-w.Float()) / math.Max(math.Abs(w.Float()), 1e-9)
			maxDev = math.Max(maxDev, dev)
			if dev > tol {
				conflicted = true
			}
		case !v.Equal(w):
			maxDev = math.Max(maxDev, 1)
			conflicted = true
		}
	}
	if !conflicted {
		return nil
	}

	values := make([]string, 0, len(group))
	for _, r := range group {
		s := r.Value.String()
		if !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	slices.Sort(values)
	return &model.Conflict{Tolerance: tol, MaxDeviation: maxDev, Values: values}
}
