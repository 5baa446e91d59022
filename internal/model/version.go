package model

import "time"

// DatasetVersion is an immutable, numbered snapshot of reconciled facts.
// Versions are only ever added; numbers increase by one per commit.
type DatasetVersion struct {
	Number      int64            `json:"number"`
	CommittedAt time.Time        `json:"committed_at"`
	CycleID     string           `json:"cycle_id"`
	Checksum    string           `json:"checksum"`
	FactCount   int              `json:"fact_count"`
	Facts       []ReconciledFact `json:"facts,omitempty"`
}

// Summary returns a copy of v without its facts.
func (v DatasetVersion) Summary() DatasetVersion {
	v.Facts = nil
	return v
}
