package source

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mf-intel/internal/config"
	"github.com/sells-group/mf-intel/internal/fetcher"
	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/resilience"
)

// permit is the dialect-independent view of one building permit.
type permit struct {
	Number    string
	Master    string
	Issued    time.Time
	Address   string
	Zip       string
	Lat, Lon  float64
	Units     int
	WorkClass string
}

// parcel is the geography a permit is counted against: sub-permits of one
// project share their master permit number.
func (p permit) parcel() string {
	if p.Master != "" {
		return p.Master
	}
	return p.Number
}

// portalDialect is one open-data portal API flavor.
type portalDialect interface {
	name() string
	defaults(cfg *config.PermitsConfig)
	// resources lists the paged collections to walk, in order.
	resources() []string
	pageURL(resource string, offset int, r model.PeriodRange) (string, error)
	decodePage(b []byte) ([]map[string]any, error)
	knownField(field string) bool
	parse(p map[string]any) (permit, error)
	maxUnits() int
}

const minPermitUnits = 5

// PermitPortal reads multifamily building permits from a municipal
// open-data portal. Each qualifying permit becomes parcel-level
// units_delivered and projects_delivered records for its issue quarter.
type PermitPortal struct {
	cfg     config.PermitsConfig
	dialect portalDialect
	fetch   fetcher.Fetcher
	cw      *geo.Crosswalk
	retry   resilience.RetryConfig
	now     func() time.Time
	log     *zap.Logger
}

// NewPermitPortal builds the permit adapter for the configured dialect.
func NewPermitPortal(deps Deps) (*PermitPortal, error) {
	cfg := deps.Config.Sources.Permits
	if cfg.Endpoint == "" {
		return nil, eris.New("source: sources.permits.endpoint is required")
	}

	var d portalDialect
	switch cfg.Dialect {
	case "", "socrata":
		d = &socrata{cfg: &cfg}
	case "ckan":
		d = &ckan{cfg: &cfg}
	default:
		return nil, eris.Errorf("source: unknown permit portal dialect %q", cfg.Dialect)
	}
	d.defaults(&cfg)

	f := deps.Fetcher
	if f == nil {
		opts := fetcher.HTTPOptions{DefaultRate: rate.Limit(cfg.RatePerSecond)}
		if cfg.AppToken != "" {
			opts.Headers = map[string]string{"X-App-Token": cfg.AppToken}
		}
		f = &fetcher.Mux{HTTP: fetcher.NewHTTPFetcher(opts)}
	}

	return &PermitPortal{
		cfg:     cfg,
		dialect: d,
		fetch:   f,
		cw:      deps.crosswalk(),
		retry:   deps.retry(model.SourcePermitPortal),
		now:     deps.now,
		log:     zap.L().With(zap.String("component", "source"), zap.String("source", string(model.SourcePermitPortal))),
	}, nil
}

// ID implements Adapter.
func (a *PermitPortal) ID() model.SourceID { return model.SourcePermitPortal }

// Fetch pages through every dialect resource until a short page. Each page
// is retried on its own; a page that exhausts its retries ends the fetch.
func (a *PermitPortal) Fetch(ctx context.Context, r model.PeriodRange) (<-chan model.RawRecord, <-chan error) {
	outCh := make(chan model.RawRecord, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		for _, res := range a.dialect.resources() {
			for offset := 0; ; offset += a.cfg.PageSize {
				page, fetchedAt, err := a.fetchPage(ctx, res, offset, r)
				if err != nil {
					errCh <- unavailable(a.ID(), err)
					return
				}
				a.log.Debug("fetched permit page",
					zap.String("dialect", a.dialect.name()),
					zap.String("resource", res),
					zap.Int("offset", offset),
					zap.Int("records", len(page)),
				)

				for _, p := range page {
					raw, keep := a.raw(p, fetchedAt, r)
					if !keep {
						continue
					}
					select {
					case outCh <- raw:
					case <-ctx.Done():
						errCh <- unavailable(a.ID(), ctx.Err())
						return
					}
				}
				if len(page) < a.cfg.PageSize {
					break
				}
			}
		}
	}()

	return outCh, errCh
}

func (a *PermitPortal) fetchPage(ctx context.Context, res string, offset int, r model.PeriodRange) ([]map[string]any, time.Time, error) {
	u, err := a.dialect.pageURL(res, offset, r)
	if err != nil {
		return nil, time.Time{}, err
	}
	b, err := fetchBytes(ctx, a.fetch, u, a.retry)
	if err != nil {
		return nil, time.Time{}, eris.Wrapf(err, "permits: page at offset %d", offset)
	}
	page, err := a.dialect.decodePage(b)
	if err != nil {
		return nil, time.Time{}, eris.Wrapf(err, "permits: decode page at offset %d", offset)
	}
	return page, a.now(), nil
}

// raw wraps a portal row. Rows whose issue date parses outside r are
// skipped; rows that do not parse at all are kept so Normalize can count
// them as schema mismatches.
func (a *PermitPortal) raw(p map[string]any, fetchedAt time.Time, r model.PeriodRange) (model.RawRecord, bool) {
	raw := model.RawRecord{SourceID: a.ID(), FetchedAt: fetchedAt, Payload: p}
	if pm, err := a.dialect.parse(p); err == nil {
		raw.GeographyKey = geo.ParcelKey(pm.parcel())
		raw.Period = model.QuarterOf(pm.Issued)
		if !r.Contains(raw.Period) {
			return raw, false
		}
	}
	return raw, true
}

// Normalize implements Adapter. Permits that are not new construction or
// fall outside the multifamily unit range yield no records.
func (a *PermitPortal) Normalize(raw model.RawRecord) ([]model.NormalizedRecord, error) {
	if unknown := unknownFields(raw.Payload, nil, func(k string) bool { return a.dialect.knownField(k) }); len(unknown) > 0 {
		return nil, schemaMismatch("permits: unrecognized fields %s", strings.Join(unknown, ", "))
	}
	p, err := a.dialect.parse(raw.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "permits")
	}
	if p.WorkClass != "NEW" || p.Units < minPermitUnits || p.Units > a.dialect.maxUnits() {
		return nil, nil
	}

	rollup, method := a.cw.Resolve(p.Lat, p.Lon, p.Zip, p.Address)
	if method == geo.MethodNone {
		a.log.Debug("permit outside crosswalk", zap.String("permit", p.Number), zap.String("zip", p.Zip))
	}

	base := model.NormalizedRecord{
		GeographyKey: geo.ParcelKey(p.parcel()),
		Period:       model.QuarterOf(p.Issued),
		SourceID:     a.ID(),
		Confidence:   model.Authoritative,
		FetchedAt:    raw.FetchedAt,
		RollupKey:    rollup,
		ObservedAt:   p.Issued.UTC(),
	}
	units := base
	units.Metric = model.MetricUnitsDelivered
	units.Value = model.Number(float64(p.Units))

	projects := base
	projects.Metric = model.MetricProjectsDelivered
	projects.Value = model.Number(1)

	return []model.NormalizedRecord{units, projects}, nil
}
