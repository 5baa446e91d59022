// Package source adapts the upstream feeds (municipal permit portal, vendor
// submarket export, legacy warehouse) into normalized metric records.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/config"
	"github.com/sells-group/mf-intel/internal/db"
	"github.com/sells-group/mf-intel/internal/fetcher"
	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/resilience"
)

var (
	// ErrSchemaMismatch marks a record the adapter could not interpret. The
	// record is dropped and counted; the cycle continues.
	ErrSchemaMismatch = eris.New("source: schema mismatch")

	// ErrSourceUnavailable marks a source whose fetch failed after retries.
	ErrSourceUnavailable = eris.New("source: unavailable")
)

// Adapter is implemented by each upstream source.
type Adapter interface {
	// ID returns the source identifier.
	ID() model.SourceID

	// Fetch streams raw records for periods in r. Both channels close when
	// the fetch ends. An error on the error channel means the source is
	// unavailable for this cycle and any records already sent are partial.
	Fetch(ctx context.Context, r model.PeriodRange) (<-chan model.RawRecord, <-chan error)

	// Normalize maps one raw record onto zero or more metric records.
	// Records the source filters out yield an empty slice and no error.
	// Uninterpretable records return an error wrapping ErrSchemaMismatch.
	Normalize(raw model.RawRecord) ([]model.NormalizedRecord, error)
}

// UnavailableError reports a source whose fetch failed after retries.
type UnavailableError struct {
	Source model.SourceID
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

// Unwrap exposes both ErrSourceUnavailable and the cause to errors.Is.
func (e *UnavailableError) Unwrap() []error { return []error{ErrSourceUnavailable, e.Err} }

func unavailable(id model.SourceID, err error) error {
	return &UnavailableError{Source: id, Err: err}
}

func schemaMismatch(format string, args ...any) error {
	return eris.Wrapf(ErrSchemaMismatch, format, args...)
}

// Deps carries the collaborators adapters are built from.
type Deps struct {
	Config    *config.Config
	Crosswalk *geo.Crosswalk

	// Fetcher overrides the per-source fetchers built from Config.
	Fetcher fetcher.Fetcher

	// Warehouse is the legacy warehouse connection for the snapshot source.
	Warehouse db.Pool

	// Retry applies to every page or file fetch. Zero value means defaults.
	Retry resilience.RetryConfig

	// Now stamps fetched_at. Nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) crosswalk() *geo.Crosswalk {
	if d.Crosswalk != nil {
		return d.Crosswalk
	}
	return geo.Default()
}

// New builds the adapter for id. Unknown ids are refused.
func New(id model.SourceID, deps Deps) (Adapter, error) {
	if deps.Config == nil {
		return nil, eris.New("source: config is required")
	}
	switch id {
	case model.SourcePermitPortal:
		return NewPermitPortal(deps)
	case model.SourceVendorSubmarket:
		return NewVendorSubmarket(deps)
	case model.SourceWarehouseSnapshot:
		return NewWarehouseSnapshot(deps)
	default:
		return nil, eris.Errorf("source: unknown source %q", id)
	}
}

// Registry holds the adapters for a cycle in registration order.
type Registry struct {
	adapters map[model.SourceID]Adapter
	order    []model.SourceID
}

// NewRegistry builds every adapter enabled in deps.Config.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Config == nil {
		return nil, eris.New("source: config is required")
	}
	enabled := map[model.SourceID]bool{
		model.SourcePermitPortal:      deps.Config.Sources.Permits.Enabled,
		model.SourceVendorSubmarket:   deps.Config.Sources.Vendor.Enabled,
		model.SourceWarehouseSnapshot: deps.Config.Sources.Warehouse.Enabled,
	}

	r := &Registry{adapters: make(map[model.SourceID]Adapter)}
	for _, id := range model.AllSources {
		if !enabled[id] {
			continue
		}
		a, err := New(id, deps)
		if err != nil {
			return nil, eris.Wrapf(err, "source: build %s", id)
		}
		r.Register(a)
	}
	return r, nil
}

// Register adds an adapter, replacing any earlier one with the same id.
func (r *Registry) Register(a Adapter) {
	if r.adapters == nil {
		r.adapters = make(map[model.SourceID]Adapter)
	}
	id := a.ID()
	if _, ok := r.adapters[id]; !ok {
		r.order = append(r.order, id)
	}
	r.adapters[id] = a
}

// Get returns the adapter for id.
func (r *Registry) Get(id model.SourceID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, eris.Errorf("source: %q is not registered", id)
	}
	return a, nil
}

// All returns the adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Select returns the named adapters, or all of them when ids is empty.
func (r *Registry) Select(ids []model.SourceID) ([]Adapter, error) {
	if len(ids) == 0 {
		return r.All(), nil
	}
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		a, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// IDs returns the registered source ids in registration order.
func (r *Registry) IDs() []model.SourceID {
	out := make([]model.SourceID, len(r.order))
	copy(out, r.order)
	return out
}
