package source

import (
	"bytes"
	"context"
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/config"
	"github.com/sells-group/mf-intel/internal/fetcher"
	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/resilience"
)

const vendorSubmarketColumn = "submarket"

// Vendor export metric columns, as fractions or plain counts.
var vendorMetrics = []string{
	model.MetricVacancy,
	model.MetricRentGrowth,
	model.MetricInventory,
	model.MetricUnderConstr,
	model.MetricDelivered12mo,
	model.MetricAskingRent,
	model.MetricAbsorption12mo,
	model.MetricAvgDaysOnMarket,
	model.MetricConcessionPct,
}

var vendorColumns = toSet(append([]string{vendorSubmarketColumn}, vendorMetrics...)...)

// VendorSubmarket reads a commercial vendor's submarket export, one row per
// submarket, from a local file or an HTTP(S)/FTP location. Workbooks
// (.xlsx) and CSV are both accepted; the first row is the header.
type VendorSubmarket struct {
	cfg   config.VendorConfig
	asOf  time.Time
	fetch fetcher.Fetcher
	cw    *geo.Crosswalk
	retry resilience.RetryConfig
	now   func() time.Time
	log   *zap.Logger
}

// NewVendorSubmarket builds the vendor adapter.
func NewVendorSubmarket(deps Deps) (*VendorSubmarket, error) {
	cfg := deps.Config.Sources.Vendor
	if cfg.Path == "" {
		return nil, eris.New("source: sources.vendor.path is required")
	}
	var asOf time.Time
	if cfg.AsOf != "" {
		t, err := time.Parse("2006-01-02", cfg.AsOf)
		if err != nil {
			return nil, eris.Wrapf(err, "source: sources.vendor.as_of %q", cfg.AsOf)
		}
		asOf = t
	}
	f := deps.Fetcher
	if f == nil {
		f = fetcher.NewMux()
	}
	return &VendorSubmarket{
		cfg:   cfg,
		asOf:  asOf,
		fetch: f,
		cw:    deps.crosswalk(),
		retry: deps.retry(model.SourceVendorSubmarket),
		now:   deps.now,
		log:   zap.L().With(zap.String("component", "source"), zap.String("source", string(model.SourceVendorSubmarket))),
	}, nil
}

// ID implements Adapter.
func (a *VendorSubmarket) ID() model.SourceID { return model.SourceVendorSubmarket }

// Fetch downloads the export and streams one raw record per submarket row.
// The whole export describes a single quarter; nothing is sent when that
// quarter is outside r.
func (a *VendorSubmarket) Fetch(ctx context.Context, r model.PeriodRange) (<-chan model.RawRecord, <-chan error) {
	outCh := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		b, err := fetchBytes(ctx, a.fetch, a.cfg.Path, a.retry)
		if err != nil {
			errCh <- unavailable(a.ID(), eris.Wrap(err, "vendor: download export"))
			return
		}
		fetchedAt := a.now()
		period := model.QuarterOf(fetchedAt)
		if !a.asOf.IsZero() {
			period = model.QuarterOf(a.asOf)
		}
		if !r.Contains(period) {
			a.log.Info("vendor export outside requested range",
				zap.String("period", period.Key()),
				zap.String("range", r.String()),
			)
			return
		}

		rowCh, rowErrCh := a.rows(ctx, b)
		var header []string
		for row := range rowCh {
			if header == nil {
				header = normalizeHeader(row)
				continue
			}
			if blankRow(row) {
				continue
			}
			payload := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(row) {
					payload[col] = row[i]
				} else {
					payload[col] = ""
				}
			}
			geoKey, _ := a.cw.Lookup(text(payload, vendorSubmarketColumn))
			raw := model.RawRecord{
				SourceID:     a.ID(),
				FetchedAt:    fetchedAt,
				GeographyKey: geoKey,
				Period:       period,
				Payload:      payload,
			}
			select {
			case outCh <- raw:
			case <-ctx.Done():
				errCh <- unavailable(a.ID(), ctx.Err())
				return
			}
		}
		for err := range rowErrCh {
			if err != nil {
				errCh <- unavailable(a.ID(), eris.Wrap(err, "vendor: read export"))
				return
			}
		}
	}()

	return outCh, errCh
}

func (a *VendorSubmarket) rows(ctx context.Context, b []byte) (<-chan []string, <-chan error) {
	if isWorkbook(a.cfg.Path) {
		return fetcher.StreamXLSXReader(ctx, bytes.NewReader(b), fetcher.XLSXOptions{SheetName: a.cfg.Sheet})
	}
	return fetcher.StreamCSV(ctx, bytes.NewReader(b), fetcher.CSVOptions{TrimSpace: true})
}

func isWorkbook(location string) bool {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".xlsx")
}

// normalizeHeader lower-cases column names and joins words with '_', so
// "Rent Growth" matches rent_growth.
func normalizeHeader(row []string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		out[i] = strings.Join(strings.Fields(strings.ToLower(c)), "_")
	}
	return out
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Normalize implements Adapter. Each present metric becomes an
// authoritative record; when the core metrics are all present, a derived
// pressure_score and signal are added.
func (a *VendorSubmarket) Normalize(raw model.RawRecord) ([]model.NormalizedRecord, error) {
	if unknown := unknownFields(raw.Payload, vendorColumns, nil); len(unknown) > 0 {
		return nil, schemaMismatch("vendor: unrecognized columns %s", strings.Join(unknown, ", "))
	}
	name := text(raw.Payload, vendorSubmarketColumn)
	if name == "" {
		return nil, schemaMismatch("vendor: submarket missing")
	}
	key, ok := a.cw.Lookup(name)
	if !ok {
		a.log.Warn("vendor submarket not in crosswalk", zap.String("submarket", name), zap.String("key", key))
	}

	values := make(map[string]float64, len(vendorMetrics))
	out := make([]model.NormalizedRecord, 0, len(vendorMetrics)+2)
	for _, m := range vendorMetrics {
		f, present, err := number(raw.Payload[m])
		if err != nil {
			return nil, schemaMismatch("vendor: %s %s: %v", name, m, err)
		}
		if !present {
			continue
		}
		values[m] = f
		out = append(out, model.NormalizedRecord{
			GeographyKey: key,
			Period:       raw.Period,
			Metric:       m,
			Value:        model.Number(f),
			SourceID:     a.ID(),
			Confidence:   model.Authoritative,
			FetchedAt:    raw.FetchedAt,
		})
	}

	if score, ok := PressureScore(values); ok {
		derived := model.NormalizedRecord{
			GeographyKey: key,
			Period:       raw.Period,
			SourceID:     a.ID(),
			Confidence:   model.Derived,
			FetchedAt:    raw.FetchedAt,
		}
		ps := derived
		ps.Metric = model.MetricPressureScore
		ps.Value = model.Number(score)
		sig := derived
		sig.Metric = model.MetricSignal
		sig.Value = model.Category(Signal(score))
		out = append(out, ps, sig)
	}
	return out, nil
}

// PressureScore rates supply pressure in a submarket from 0 to 100:
// vacancy 25, deliveries 20, pipeline 20, rent decline 15, weak absorption
// 10, days on market 5, concessions 5. ok is false unless vacancy,
// rent_growth, inventory, under_constr and delivered_12mo are all present.
func PressureScore(m map[string]float64) (float64, bool) {
	for _, k := range []string{model.MetricVacancy, model.MetricRentGrowth, model.MetricInventory, model.MetricUnderConstr, model.MetricDelivered12mo} {
		if _, ok := m[k]; !ok {
			return 0, false
		}
	}
	inventory := math.Max(m[model.MetricInventory], 1)
	delivered := m[model.MetricDelivered12mo]

	v := math.Min((m[model.MetricVacancy]-0.08)/0.15, 1) * 25
	d := math.Min(delivered/inventory/0.12, 1) * 20
	u := math.Min(m[model.MetricUnderConstr]/inventory/0.15, 1) * 20
	r := math.Min(-m[model.MetricRentGrowth]/0.08, 1) * 15

	absorption := m[model.MetricAbsorption12mo] / math.Max(delivered, 1)
	a := clamp01((1-absorption)/0.5) * 10

	dom, ok := m[model.MetricAvgDaysOnMarket]
	if !ok {
		dom = 45
	}
	domScore := clamp01((dom-45)/60) * 5
	concScore := clamp01(math.Max(m[model.MetricConcessionPct]-0.04, 0)/0.10) * 5

	total := math.Max(0, v+d+u+r+a+domScore+concScore)
	return math.Round(total*10) / 10, true
}

// Signal maps a pressure score to SELL (>= 60), HOLD (>= 35) or BUY.
func Signal(score float64) string {
	switch {
	case score >= 60:
		return "SELL"
	case score >= 35:
		return "HOLD"
	default:
		return "BUY"
	}
}

func clamp01(f float64) float64 { return math.Max(0, math.Min(f, 1)) }
