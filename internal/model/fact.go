package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// FactKey identifies a reconciled fact.
type FactKey struct {
	GeographyKey string `json:"geography_key"`
	Period       string `json:"period"`
	Metric       string `json:"metric"`
}

// String renders the key as "geography|period|metric".
func (k FactKey) String() string {
	return k.GeographyKey + "|" + k.Period + "|" + k.Metric
}

// Compare orders keys by geography, period, then metric.
func (k FactKey) Compare(o FactKey) int {
	if c := strings.Compare(k.GeographyKey, o.GeographyKey); c != 0 {
		return c
	}
	if c := strings.Compare(k.Period, o.Period); c != 0 {
		return c
	}
	return strings.Compare(k.Metric, o.Metric)
}

// Conflict records a disagreement among contributors that exceeded tolerance.
// The winning value is still chosen; the conflict is kept for audit.
type Conflict struct {
	Tolerance    float64  `json:"tolerance"`
	MaxDeviation float64  `json:"max_deviation"`
	Values       []string `json:"values"`
}

// ReconciledFact is the single chosen value for a fact key.
type ReconciledFact struct {
	Key           FactKey            `json:"key"`
	Value         Value              `json:"value"`
	WinningSource SourceID           `json:"winning_source"`
	Confidence    Confidence         `json:"confidence"`
	FetchedAt     time.Time          `json:"fetched_at"`
	Contributors  []NormalizedRecord `json:"contributors"`
	Conflict      *Conflict          `json:"conflict,omitempty"`
}

// SortFacts orders facts by key in place.
func SortFacts(facts []ReconciledFact) {
	slices.SortFunc(facts, func(a, b ReconciledFact) int { return a.Key.Compare(b.Key) })
}

// Checksum returns a stable digest of a fact set. Two sets with the same keys,
// values, winners and confidences hash equal regardless of slice order.
func Checksum(facts []ReconciledFact) string {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		kind := "c"
		if f.Value.IsNumeric() {
			kind = "n"
		}
		lines = append(lines, strings.Join([]string{
			f.Key.String(), kind, f.Value.String(), string(f.WinningSource), string(f.Confidence),
		}, "\x1f"))
	}
	slices.Sort(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
