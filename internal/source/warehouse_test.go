package source

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mf-intel/internal/config"
	"github.com/sells-group/mf-intel/internal/model"
)

var deliveryCols = []string{"submarket_name", "delivery_yyyyq", "project_count", "total_units_delivered"}

func warehouseAdapter(t *testing.T, mock pgxmock.PgxPoolIface, rec *sleepRecorder) *WarehouseSnapshot {
	t.Helper()
	cfg := &config.Config{}
	cfg.Sources.Warehouse = config.WarehouseConfig{Enabled: true}
	deps := testDeps(cfg, rec)
	deps.Warehouse = mock
	a, err := NewWarehouseSnapshot(deps)
	require.NoError(t, err)
	return a
}

func TestWarehouseSnapshot_FetchAndNormalize(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT submarket_name, delivery_yyyyq").
		WillReturnRows(pgxmock.NewRows(deliveryCols).
			AddRow("East Austin", "2024-Q3", int64(3), int64(610)).
			AddRow("Riverside", "2023-Q1", int64(1), int64(200)))

	a := warehouseAdapter(t, mock, &sleepRecorder{})

	from, _ := model.ParsePeriod("2024-Q1")
	to, _ := model.ParsePeriod("2024-Q4")
	raws, err := collect(t, a, model.PeriodRange{From: from, To: to})
	require.NoError(t, err)
	require.Len(t, raws, 1, "rows outside the range are skipped")
	assert.Equal(t, "submarket:east austin", raws[0].GeographyKey)
	assert.Equal(t, "2024-Q3", raws[0].Period.Key())
	assert.NoError(t, mock.ExpectationsWereMet())

	recs, err := a.Normalize(raws[0])
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.MetricProjectsDelivered, recs[0].Metric)
	assert.Equal(t, 3.0, recs[0].Value.Float())
	assert.Equal(t, model.MetricUnitsDelivered, recs[1].Metric)
	assert.Equal(t, 610.0, recs[1].Value.Float())
	for _, r := range recs {
		assert.Equal(t, model.Derived, r.Confidence)
		assert.Equal(t, model.SourceWarehouseSnapshot, r.SourceID)
		assert.Equal(t, fixedNow, r.FetchedAt)
	}
}

func TestWarehouseSnapshot_RetriesConnectionErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT submarket_name").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectQuery("SELECT submarket_name").
		WillReturnRows(pgxmock.NewRows(deliveryCols).AddRow("Mueller", "2024-Q2", int64(1), int64(300)))

	rec := &sleepRecorder{}
	raws, err := collect(t, warehouseAdapter(t, mock, rec), model.PeriodRange{})
	require.NoError(t, err)
	assert.Len(t, raws, 1)
	assert.Equal(t, 1, rec.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseSnapshot_UnavailableAfterRetries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for range 3 {
		mock.ExpectQuery("SELECT submarket_name").WillReturnError(errors.New("dial tcp: connection refused"))
	}

	rec := &sleepRecorder{}
	raws, err := collect(t, warehouseAdapter(t, mock, rec), model.PeriodRange{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
	assert.Empty(t, raws)
	assert.Equal(t, 2, rec.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseSnapshot_StatementErrorNotRetried(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT submarket_name").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "submarket_deliveries" does not exist`})

	rec := &sleepRecorder{}
	_, err = collect(t, warehouseAdapter(t, mock, rec), model.PeriodRange{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
	assert.Zero(t, rec.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseSnapshot_DriftedViewFailsClosed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT submarket_name").
		WillReturnRows(pgxmock.NewRows(append(deliveryCols, "avg_unit_size")).
			AddRow("East Austin", "2024-Q3", int64(3), int64(610), int64(880)))

	a := warehouseAdapter(t, mock, &sleepRecorder{})
	raws, err := collect(t, a, model.PeriodRange{})
	require.NoError(t, err)
	require.Len(t, raws, 1)

	_, err = a.Normalize(raws[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
	assert.Contains(t, err.Error(), "avg_unit_size")
}

func TestWarehouseSnapshot_SkipsUnknownBucket(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	a := warehouseAdapter(t, mock, &sleepRecorder{})

	for _, name := range []string{"Unknown", " UNKNOWN "} {
		recs, err := a.Normalize(model.RawRecord{SourceID: a.ID(), FetchedAt: fixedNow, Payload: map[string]any{
			"submarket_name": name, "delivery_yyyyq": "2024-Q3", "project_count": int64(4), "total_units_delivered": int64(380),
		}})
		require.NoError(t, err, name)
		assert.Empty(t, recs, "%q is not a submarket", name)
	}

	recs, err := a.Normalize(model.RawRecord{SourceID: a.ID(), FetchedAt: fixedNow, Payload: map[string]any{
		"submarket_name": "Unknown Creek", "delivery_yyyyq": "2024-Q3", "project_count": int64(1), "total_units_delivered": int64(12),
	}})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "only the exact bucket name is skipped")
}

func TestWarehouseSnapshot_BadPeriod(t *testing.T) {
	a := &WarehouseSnapshot{}
	_, err := a.Normalize(model.RawRecord{Payload: map[string]any{
		"submarket_name": "East Austin", "delivery_yyyyq": "2024Q3", "project_count": int64(1), "total_units_delivered": int64(10),
	}})
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
}
