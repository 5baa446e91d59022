package source

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/db"
	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/resilience"
)

// DefaultWarehouseQuery reads the legacy quarterly delivery rollup.
const DefaultWarehouseQuery = `SELECT submarket_name, delivery_yyyyq, project_count, total_units_delivered
FROM submarket_deliveries
ORDER BY delivery_yyyyq, submarket_name`

// unassignedSubmarket is the legacy view's catch-all for deliveries it could
// not place. Those rows name no geography, so they are dropped.
const unassignedSubmarket = "unknown"

var warehouseColumns = toSet("submarket_name", "delivery_yyyyq", "project_count", "total_units_delivered")

// WarehouseSnapshot reads prior processed delivery totals from the legacy
// Postgres warehouse. Its figures were computed by an earlier pipeline, so
// they are derived rather than authoritative.
type WarehouseSnapshot struct {
	pool  db.Pool
	query string
	cw    *geo.Crosswalk
	retry resilience.RetryConfig
	now   func() time.Time
	log   *zap.Logger
}

// NewWarehouseSnapshot builds the warehouse adapter. deps.Warehouse must be set.
func NewWarehouseSnapshot(deps Deps) (*WarehouseSnapshot, error) {
	if deps.Warehouse == nil {
		return nil, eris.New("source: warehouse connection is required")
	}
	q := deps.Config.Sources.Warehouse.Query
	if strings.TrimSpace(q) == "" {
		q = DefaultWarehouseQuery
	}
	return &WarehouseSnapshot{
		pool:  deps.Warehouse,
		query: q,
		cw:    deps.crosswalk(),
		retry: deps.retry(model.SourceWarehouseSnapshot),
		now:   deps.now,
		log:   zap.L().With(zap.String("component", "source"), zap.String("source", string(model.SourceWarehouseSnapshot))),
	}, nil
}

// ID implements Adapter.
func (a *WarehouseSnapshot) ID() model.SourceID { return model.SourceWarehouseSnapshot }

// Fetch runs the snapshot query with retries and streams rows whose
// quarter falls in r. Every result column lands in the payload, so a
// drifted view surfaces as schema mismatches rather than missing metrics.
func (a *WarehouseSnapshot) Fetch(ctx context.Context, r model.PeriodRange) (<-chan model.RawRecord, <-chan error) {
	outCh := make(chan model.RawRecord, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		rows, err := resilience.DoVal(ctx, a.retry, a.snapshot)
		if err != nil {
			errCh <- unavailable(a.ID(), err)
			return
		}
		fetchedAt := a.now()

		for _, p := range rows {
			raw := model.RawRecord{SourceID: a.ID(), FetchedAt: fetchedAt, Payload: p}
			if period, err := model.ParsePeriod(text(p, "delivery_yyyyq")); err == nil {
				if !r.Contains(period) {
					continue
				}
				raw.Period = period
			}
			raw.GeographyKey, _ = a.cw.Lookup(text(p, "submarket_name"))

			select {
			case outCh <- raw:
			case <-ctx.Done():
				errCh <- unavailable(a.ID(), ctx.Err())
				return
			}
		}
	}()

	return outCh, errCh
}

// snapshot reads the full result set. Connection-level failures are
// transient; a malformed query is not.
func (a *WarehouseSnapshot) snapshot(ctx context.Context) ([]map[string]any, error) {
	rows, err := a.pool.Query(ctx, a.query)
	if err != nil {
		return nil, classifyPgErr(eris.Wrap(err, "warehouse: query"))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: scan")
		}
		p := make(map[string]any, len(fields))
		for i, fd := range fields {
			p[fd.Name] = vals[i]
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(eris.Wrap(err, "warehouse: iterate"))
	}
	a.log.Debug("warehouse snapshot read", zap.Int("rows", len(out)))
	return out, nil
}

// classifyPgErr marks errors without a server-side SQLSTATE as transient:
// they come from the connection rather than the statement.
func classifyPgErr(err error) error {
	if db.SQLState(err) != "" {
		return err
	}
	return resilience.NewTransientError(err, 0)
}

// Normalize implements Adapter.
func (a *WarehouseSnapshot) Normalize(raw model.RawRecord) ([]model.NormalizedRecord, error) {
	if unknown := unknownFields(raw.Payload, warehouseColumns, nil); len(unknown) > 0 {
		return nil, schemaMismatch("warehouse: unrecognized columns %s", strings.Join(unknown, ", "))
	}
	name := text(raw.Payload, "submarket_name")
	if name == "" {
		return nil, schemaMismatch("warehouse: submarket_name missing")
	}
	period, err := model.ParsePeriod(text(raw.Payload, "delivery_yyyyq"))
	if err != nil {
		return nil, schemaMismatch("warehouse: %s: %v", name, err)
	}
	if strings.EqualFold(strings.TrimSpace(name), unassignedSubmarket) {
		a.log.Debug("skipping unassigned warehouse bucket", zap.String("period", period.Key()))
		return nil, nil
	}
	key, ok := a.cw.Lookup(name)
	if !ok {
		a.log.Warn("warehouse submarket not in crosswalk", zap.String("submarket", name))
	}

	var out []model.NormalizedRecord
	for col, metric := range map[string]string{
		"total_units_delivered": model.MetricUnitsDelivered,
		"project_count":         model.MetricProjectsDelivered,
	} {
		f, present, err := number(raw.Payload[col])
		if err != nil {
			return nil, schemaMismatch("warehouse: %s %s: %v", name, col, err)
		}
		if !present {
			continue
		}
		out = append(out, model.NormalizedRecord{
			GeographyKey: key,
			Period:       period,
			Metric:       metric,
			Value:        model.Number(f),
			SourceID:     a.ID(),
			Confidence:   model.Derived,
			FetchedAt:    raw.FetchedAt,
		})
	}
	model.SortRecords(out)
	return out, nil
}
