package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mf-intel/internal/model"
)

func permitRecord(parcel, rollup, period string, metric string, v float64, fetched time.Time) model.NormalizedRecord {
	p, _ := model.ParsePeriod(period)
	return model.NormalizedRecord{
		GeographyKey: ParcelKey(parcel),
		Period:       p,
		Metric:       metric,
		Value:        model.Number(v),
		SourceID:     model.SourcePermitPortal,
		Confidence:   model.Authoritative,
		FetchedAt:    fetched,
		RollupKey:    rollup,
	}
}

func TestRollup(t *testing.T) {
	t0 := time.Date(2024, 10, 1, 6, 0, 0, 0, time.UTC)
	east := "submarket:east austin"

	in := []model.NormalizedRecord{
		// Same master permit filed twice; the 2024-Q2 filing wins.
		permitRecord("M-1", east, "2024-Q1", model.MetricUnitsDelivered, 200, t0),
		permitRecord("M-1", east, "2024-Q2", model.MetricUnitsDelivered, 240, t0),
		permitRecord("M-2", east, "2024-Q2", model.MetricUnitsDelivered, 60, t0.Add(time.Minute)),
		// Unresolved parcel stays parcel-level only.
		permitRecord("M-3", "", "2024-Q2", model.MetricUnitsDelivered, 99, t0),
		{
			GeographyKey: east, Metric: model.MetricVacancy, Value: model.Number(0.14),
			SourceID: model.SourceVendorSubmarket, Confidence: model.Authoritative,
		},
	}

	out := Rollup(in)

	var agg *model.NormalizedRecord
	parcels := 0
	for i := range out {
		r := out[i]
		if IsParcel(r.GeographyKey) {
			parcels++
		}
		if r.GeographyKey == east && r.Metric == model.MetricUnitsDelivered {
			agg = &out[i]
		}
	}
	assert.Equal(t, 3, parcels)
	require.NotNil(t, agg)
	assert.Equal(t, 300.0, agg.Value.Float())
	assert.Equal(t, "2024-Q2", agg.Period.Key())
	assert.Equal(t, model.Derived, agg.Confidence)
	assert.Equal(t, model.SourcePermitPortal, agg.SourceID)
	assert.Equal(t, t0.Add(time.Minute), agg.FetchedAt)
	assert.Len(t, out, 5)
}

func TestRollup_OrderIndependent(t *testing.T) {
	t0 := time.Date(2024, 10, 1, 6, 0, 0, 0, time.UTC)
	a := permitRecord("M-1", "submarket:x", "2024-Q1", model.MetricUnitsDelivered, 10, t0)
	b := permitRecord("M-2", "submarket:x", "2024-Q1", model.MetricUnitsDelivered, 20, t0)
	c := permitRecord("M-1", "submarket:x", "2024-Q1", model.MetricProjectsDelivered, 1, t0)

	assert.Equal(t, Rollup([]model.NormalizedRecord{a, b, c}), Rollup([]model.NormalizedRecord{c, b, a}))
}

func TestRollup_LatestIssuedPermitWins(t *testing.T) {
	t0 := time.Date(2024, 10, 1, 6, 0, 0, 0, time.UTC)
	east := "submarket:east austin"

	early := permitRecord("M-1", east, "2024-Q2", model.MetricUnitsDelivered, 120, t0)
	early.ObservedAt = time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
	late := permitRecord("M-1", east, "2024-Q2", model.MetricUnitsDelivered, 8, t0)
	late.ObservedAt = time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)

	for _, in := range [][]model.NormalizedRecord{{early, late}, {late, early}} {
		out := Rollup(in)
		require.Len(t, out, 2)
		for _, r := range out {
			assert.Equal(t, 8.0, r.Value.Float(), "%s keeps the permit issued last", r.GeographyKey)
		}
	}
}
