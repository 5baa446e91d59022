package model

import (
	"slices"
	"strings"
	"time"
)

// RawRecord is one unit of data as fetched from a source, before any
// interpretation. Payload is left as decoded from the source.
type RawRecord struct {
	SourceID     SourceID       `json:"source_id"`
	FetchedAt    time.Time      `json:"fetched_at"`
	GeographyKey string         `json:"geography_key,omitempty"`
	Period       Period         `json:"period"`
	Payload      map[string]any `json:"payload"`
}

// NormalizedRecord is a single metric observation mapped to the common schema.
type NormalizedRecord struct {
	GeographyKey string     `json:"geography_key"`
	Period       Period     `json:"period"`
	Metric       string     `json:"metric"`
	Value        Value      `json:"value"`
	SourceID     SourceID   `json:"source_id"`
	Confidence   Confidence `json:"confidence"`
	FetchedAt    time.Time  `json:"fetched_at"`

	// RollupKey is the submarket a parcel-level record aggregates into.
	RollupKey string `json:"rollup_key,omitempty"`
	// ObservedAt is when the underlying event happened, such as a permit's
	// issue date. Zero when the source only reports a period.
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// Key returns the fact key the record contributes to.
func (r NormalizedRecord) Key() FactKey {
	return FactKey{GeographyKey: r.GeographyKey, Period: r.Period.Key(), Metric: r.Metric}
}

// Metric names produced by the adapters.
const (
	MetricUnitsDelivered    = "units_delivered"
	MetricProjectsDelivered = "projects_delivered"
	MetricVacancy           = "vacancy"
	MetricRentGrowth        = "rent_growth"
	MetricInventory         = "inventory"
	MetricUnderConstr       = "under_constr"
	MetricDelivered12mo     = "delivered_12mo"
	MetricAskingRent        = "asking_rent"
	MetricAbsorption12mo    = "absorption_12mo"
	MetricAvgDaysOnMarket   = "avg_days_on_market"
	MetricConcessionPct     = "concession_pct"
	MetricPressureScore     = "pressure_score"
	MetricSignal            = "signal"
)

// Additive reports whether a metric can be summed across geographies.
func Additive(metric string) bool {
	switch metric {
	case MetricUnitsDelivered, MetricProjectsDelivered:
		return true
	}
	return false
}

// SortRecords orders records canonically: fact key, source priority, fetch
// time, value, then confidence.
func SortRecords(rs []NormalizedRecord) {
	slices.SortFunc(rs, func(a, b NormalizedRecord) int {
		if c := a.Key().Compare(b.Key()); c != 0 {
			return c
		}
		if c := a.SourceID.Priority() - b.SourceID.Priority(); c != 0 {
			return c
		}
		if c := a.FetchedAt.Compare(b.FetchedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.Value.String(), b.Value.String()); c != 0 {
			return c
		}
		return strings.Compare(string(a.Confidence), string(b.Confidence))
	})
}
