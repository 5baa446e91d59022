// Package model defines the records, facts, and dataset versions that flow
// through a refresh cycle.
package model

import (
	"github.com/rotisserie/eris"
)

// SourceID identifies one of the upstream sources feeding a refresh cycle.
type SourceID string

// Source identifiers. The set is closed; adapters exist for exactly these.
const (
	SourcePermitPortal      SourceID = "permit_portal"
	SourceVendorSubmarket   SourceID = "vendor_submarket"
	SourceWarehouseSnapshot SourceID = "warehouse_snapshot"
)

// AllSources lists every source in residual tie-break order.
var AllSources = []SourceID{SourcePermitPortal, SourceVendorSubmarket, SourceWarehouseSnapshot}

// Priority returns the residual tie-break rank (lower wins).
func (s SourceID) Priority() int {
	switch s {
	case SourcePermitPortal:
		return 0
	case SourceVendorSubmarket:
		return 1
	case SourceWarehouseSnapshot:
		return 2
	default:
		return len(AllSources)
	}
}

// Valid reports whether s is one of the known sources.
func (s SourceID) Valid() bool {
	return s.Priority() < len(AllSources)
}

// ParseSourceID converts a string into a SourceID.
func ParseSourceID(s string) (SourceID, error) {
	id := SourceID(s)
	if !id.Valid() {
		return "", eris.Errorf("unknown source: %q (valid: permit_portal, vendor_submarket, warehouse_snapshot)", s)
	}
	return id, nil
}

// Confidence is the source-declared reliability tier of a value.
type Confidence string

// Confidence tiers, strongest first.
const (
	Authoritative Confidence = "authoritative"
	Derived       Confidence = "derived"
	Estimated     Confidence = "estimated"
)

// Rank orders confidence tiers; higher wins.
func (c Confidence) Rank() int {
	switch c {
	case Authoritative:
		return 3
	case Derived:
		return 2
	case Estimated:
		return 1
	default:
		return 0
	}
}

// ParseConfidence converts a string into a Confidence.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(s)
	if c.Rank() == 0 {
		return "", eris.Errorf("unknown confidence: %q (valid: authoritative, derived, estimated)", s)
	}
	return c, nil
}
