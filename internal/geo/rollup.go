package geo

import (
	"github.com/sells-group/mf-intel/internal/model"
)

// Rollup collapses parcel-level records and aggregates them to submarkets.
//
// Parcel records sharing a geography and metric are deduplicated to the
// latest observation (period, then ObservedAt), so a project filed under
// several permits counts once with its most recently issued permit. Additive metrics of parcels with a RollupKey are then summed per
// submarket and period into derived records. Non-parcel records pass through.
// The result is sorted and does not depend on input order.
func Rollup(records []model.NormalizedRecord) []model.NormalizedRecord {
	type parcelKey struct{ geo, metric string }
	latest := make(map[parcelKey]model.NormalizedRecord)
	var out []model.NormalizedRecord

	for _, r := range records {
		if !IsParcel(r.GeographyKey) {
			out = append(out, r)
			continue
		}
		k := parcelKey{r.GeographyKey, r.Metric}
		if prev, ok := latest[k]; !ok || newerParcel(r, prev) {
			latest[k] = r
		}
	}

	type aggKey struct{ submarket, period, metric string }
	sums := make(map[aggKey]*model.NormalizedRecord)
	for _, r := range latest {
		out = append(out, r)
		if r.RollupKey == "" || !model.Additive(r.Metric) || !r.Value.IsNumeric() {
			continue
		}
		k := aggKey{r.RollupKey, r.Period.Key(), r.Metric}
		agg, ok := sums[k]
		if !ok {
			agg = &model.NormalizedRecord{
				GeographyKey: r.RollupKey,
				Period:       r.Period,
				Metric:       r.Metric,
				Value:        model.Number(0),
				SourceID:     r.SourceID,
				Confidence:   model.Derived,
			}
			sums[k] = agg
		}
		agg.Value = model.Number(agg.Value.Float() + r.Value.Float())
		if r.FetchedAt.After(agg.FetchedAt) {
			agg.FetchedAt = r.FetchedAt
		}
	}
	for _, agg := range sums {
		out = append(out, *agg)
	}

	model.SortRecords(out)
	return out
}

func newerParcel(a, b model.NormalizedRecord) bool {
	if !a.Period.Start.Equal(b.Period.Start) {
		return a.Period.Start.After(b.Period.Start)
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	return a.Value.String() < b.Value.String()
}
