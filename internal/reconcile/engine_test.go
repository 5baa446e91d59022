package reconcile

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mf-intel/internal/model"
)

var (
	t1 = time.Date(2024, 10, 1, 6, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	q3 = mustPeriod("2024-Q3")
)

func mustPeriod(s string) model.Period {
	p, err := model.ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

func rec(src model.SourceID, conf model.Confidence, v model.Value, at time.Time) model.NormalizedRecord {
	return model.NormalizedRecord{
		GeographyKey: "submarket:east austin",
		Period:       q3,
		Metric:       model.MetricUnitsDelivered,
		Value:        v,
		SourceID:     src,
		Confidence:   conf,
		FetchedAt:    at,
	}
}

func TestReconcile_ConfidencePrecedence(t *testing.T) {
	e := Engine{Tolerance: Tolerance{Default: 0.05}}
	res := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourceVendorSubmarket, model.Estimated, model.Number(10), t2),
		rec(model.SourceWarehouseSnapshot, model.Authoritative, model.Number(12), t1),
	})

	require.Len(t, res.Facts, 1)
	f := res.Facts[0]
	assert.Equal(t, 12.0, f.Value.Float())
	assert.Equal(t, model.SourceWarehouseSnapshot, f.WinningSource)
	assert.Equal(t, model.Authoritative, f.Confidence)
	assert.Len(t, f.Contributors, 2)
}

func TestReconcile_RecencyTieBreak(t *testing.T) {
	e := Engine{}
	res := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourcePermitPortal, model.Authoritative, model.Number(5), t1),
		rec(model.SourceVendorSubmarket, model.Authoritative, model.Number(7), t2),
	})

	require.Len(t, res.Facts, 1)
	assert.Equal(t, 7.0, res.Facts[0].Value.Float())
	assert.Equal(t, model.SourceVendorSubmarket, res.Facts[0].WinningSource)
	assert.Equal(t, t2, res.Facts[0].FetchedAt)
}

func TestReconcile_SourcePriorityTieBreak(t *testing.T) {
	e := Engine{}
	res := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourceWarehouseSnapshot, model.Derived, model.Number(300), t1),
		rec(model.SourceVendorSubmarket, model.Derived, model.Number(310), t1),
		rec(model.SourcePermitPortal, model.Derived, model.Number(320), t1),
	})

	require.Len(t, res.Facts, 1)
	assert.Equal(t, model.SourcePermitPortal, res.Facts[0].WinningSource)
	assert.Equal(t, 320.0, res.Facts[0].Value.Float())
}

func TestReconcile_SameSourceSameInstant(t *testing.T) {
	e := Engine{}
	a := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourcePermitPortal, model.Derived, model.Number(9), t1),
		rec(model.SourcePermitPortal, model.Derived, model.Number(11), t1),
	})
	b := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourcePermitPortal, model.Derived, model.Number(11), t1),
		rec(model.SourcePermitPortal, model.Derived, model.Number(9), t1),
	})
	assert.Equal(t, "11", a.Facts[0].Value.String(), "lowest canonical string wins")
	assert.Equal(t, a, b)
}

func TestReconcile_Deterministic(t *testing.T) {
	var records []model.NormalizedRecord
	geos := []string{"submarket:east austin", "submarket:mueller", "submarket:riverside"}
	metrics := []string{model.MetricUnitsDelivered, model.MetricVacancy, model.MetricSignal}
	sources := model.AllSources
	confs := []model.Confidence{model.Authoritative, model.Derived, model.Estimated}

	for i := range 60 {
		r := model.NormalizedRecord{
			GeographyKey: geos[i%len(geos)],
			Period:       q3,
			Metric:       metrics[(i/3)%len(metrics)],
			SourceID:     sources[(i/2)%len(sources)],
			Confidence:   confs[(i/5)%len(confs)],
			FetchedAt:    t1.Add(time.Duration(i%4) * time.Minute),
			Value:        model.Number(float64(100 + i)),
		}
		if r.Metric == model.MetricSignal {
			r.Value = model.Category([]string{"BUY", "HOLD", "SELL"}[i%3])
		}
		records = append(records, r)
	}

	e := Engine{Tolerance: Tolerance{Default: 0.05}}
	first := e.Reconcile(records)
	second := e.Reconcile(records)
	assert.Equal(t, first, second)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 5 {
		shuffled := slices.Clone(records)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := e.Reconcile(shuffled)
		assert.Equal(t, first, got)
		assert.Equal(t, model.Checksum(first.Facts), model.Checksum(got.Facts))
	}

	// One fact per key, sorted.
	seen := map[model.FactKey]bool{}
	for i, f := range first.Facts {
		assert.False(t, seen[f.Key], f.Key.String())
		seen[f.Key] = true
		if i > 0 {
			assert.Negative(t, first.Facts[i-1].Key.Compare(f.Key))
		}
	}
}

func TestReconcile_DoesNotMutateInput(t *testing.T) {
	in := []model.NormalizedRecord{
		rec(model.SourceWarehouseSnapshot, model.Derived, model.Number(1), t1),
		rec(model.SourcePermitPortal, model.Derived, model.Number(2), t1),
	}
	before := slices.Clone(in)
	Engine{}.Reconcile(in)
	assert.Equal(t, before, in)
}

func TestReconcile_ConflictBeyondTolerance(t *testing.T) {
	e := Engine{Tolerance: Tolerance{Default: 0.05}}
	res := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourcePermitPortal, model.Authoritative, model.Number(100), t1),
		rec(model.SourceWarehouseSnapshot, model.Derived, model.Number(120), t1),
	})

	require.Len(t, res.Facts, 1)
	assert.Equal(t, 1, res.Conflicts)
	f := res.Facts[0]
	assert.Equal(t, 100.0, f.Value.Float(), "the winner is still used")
	require.NotNil(t, f.Conflict)
	assert.InDelta(t, 0.2, f.Conflict.MaxDeviation, 1e-9)
	assert.Equal(t, 0.05, f.Conflict.Tolerance)
	assert.Equal(t, []string{"100", "120"}, f.Conflict.Values)
	assert.Len(t, res.Conflicted(), 1)
}

func TestReconcile_WithinTolerance(t *testing.T) {
	e := Engine{Tolerance: Tolerance{Default: 0.05}}
	res := e.Reconcile([]model.NormalizedRecord{
		rec(model.SourcePermitPortal, model.Authoritative, model.Number(100), t1),
		rec(model.SourceWarehouseSnapshot, model.Derived, model.Number(104), t1),
	})
	assert.Zero(t, res.Conflicts)
	assert.Nil(t, res.Facts[0].Conflict)
	assert.Empty(t, res.Conflicted())
}

func TestReconcile_PerMetricTolerance(t *testing.T) {
	e := Engine{Tolerance: Tolerance{Default: 0.5, PerMetric: map[string]float64{model.MetricVacancy: 0.01}}}
	a := rec(model.SourceVendorSubmarket, model.Authoritative, model.Number(0.100), t1)
	b := rec(model.SourceWarehouseSnapshot, model.Derived, model.Number(0.105), t1)
	a.Metric, b.Metric = model.MetricVacancy, model.MetricVacancy

	res := e.Reconcile([]model.NormalizedRecord{a, b})
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 0.01, res.Facts[0].Conflict.Tolerance)
	assert.Equal(t, 0.5, e.Tolerance.For(model.MetricUnitsDelivered))
}

func TestReconcile_CategoricalConflict(t *testing.T) {
	a := rec(model.SourceVendorSubmarket, model.Derived, model.Category("SELL"), t2)
	b := rec(model.SourceVendorSubmarket, model.Derived, model.Category("HOLD"), t1)
	a.Metric, b.Metric = model.MetricSignal, model.MetricSignal

	res := Engine{Tolerance: Tolerance{Default: 10}}.Reconcile([]model.NormalizedRecord{a, b})
	require.Len(t, res.Facts, 1)
	assert.Equal(t, "SELL", res.Facts[0].Value.String())
	require.NotNil(t, res.Facts[0].Conflict)
	assert.Equal(t, 1.0, res.Facts[0].Conflict.MaxDeviation)
	assert.Equal(t, []string{"HOLD", "SELL"}, res.Facts[0].Conflict.Values)
}

func TestReconcile_SeparateKeys(t *testing.T) {
	a := rec(model.SourcePermitPortal, model.Authoritative, model.Number(1), t1)
	b := a
	b.Period = mustPeriod("2024-Q4")
	c := a
	c.Metric = model.MetricProjectsDelivered

	res := Engine{}.Reconcile([]model.NormalizedRecord{b, c, a})
	require.Len(t, res.Facts, 3)
	assert.Equal(t, "submarket:east austin|2024-Q3|projects_delivered", res.Facts[0].Key.String())
	assert.Equal(t, "submarket:east austin|2024-Q3|units_delivered", res.Facts[1].Key.String())
	assert.Equal(t, "submarket:east austin|2024-Q4|units_delivered", res.Facts[2].Key.String())
	for _, f := range res.Facts {
		assert.Nil(t, f.Conflict, "a single contributor never conflicts")
	}
}

func TestReconcile_Empty(t *testing.T) {
	res := Engine{}.Reconcile(nil)
	assert.Empty(t, res.Facts)
	assert.Zero(t, res.Conflicts)
}
