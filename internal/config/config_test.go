package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "socrata", cfg.Sources.Permits.Dialect)
	assert.Equal(t, "https://data.austintexas.gov/resource/3syk-w9eu.json", cfg.Sources.Permits.Endpoint)
	assert.Zero(t, cfg.Sources.Permits.PageSize)
	assert.Empty(t, cfg.Sources.Permits.PermitClasses)
	assert.True(t, cfg.Sources.Vendor.Enabled)
	assert.False(t, cfg.Sources.Warehouse.Enabled)
	assert.InDelta(t, 0.05, cfg.Reconcile.Tolerance, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Writer.MaxAttempts)
	assert.Equal(t, 6, cfg.Schedule.Hour)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /var/lib/mf-intel/versions.db
sources:
  permits:
    dialect: ckan
    endpoint: https://data.sanantonio.gov/api/3/action/datastore_search
    resource_ids: [c21106f9-3ef5-4f3a-8604-f992b4db7512]
  vendor:
    path: ftp://ftp.vendor.com/austin.xlsx
    as_of: "2024-09-30"
reconcile:
  tolerance: 0.1
  metric_tolerances:
    vacancy: 0.02
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/mf-intel/versions.db", cfg.Store.SQLitePath)
	assert.Equal(t, "ckan", cfg.Sources.Permits.Dialect)
	assert.Equal(t, []string{"c21106f9-3ef5-4f3a-8604-f992b4db7512"}, cfg.Sources.Permits.ResourceIDs)
	assert.Equal(t, "ftp://ftp.vendor.com/austin.xlsx", cfg.Sources.Vendor.Path)
	assert.Equal(t, "2024-09-30", cfg.Sources.Vendor.AsOf)
	assert.InDelta(t, 0.1, cfg.Reconcile.Tolerance, 1e-9)
	assert.InDelta(t, 0.02, cfg.Reconcile.MetricTolerances["vacancy"], 1e-9)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values.
	assert.Equal(t, 5, cfg.Writer.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("MFINTEL_STORE_DRIVER", "postgres")
	t.Setenv("MFINTEL_STORE_DATABASE_URL", "postgres://localhost/mf")
	t.Setenv("MFINTEL_SOURCES_PERMITS_APP_TOKEN", "secret-token")
	t.Setenv("MFINTEL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/mf", cfg.Store.DatabaseURL)
	assert.Equal(t, "secret-token", cfg.Sources.Permits.AppToken)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "memory"
	cfg.Sources.Permits.Dialect = "socrata"
	cfg.Reconcile.Tolerance = 0.05
	cfg.Schedule.Hour = 6
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateCycle(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("cycle"))

	cfg := validDefaults()
	cfg.Sources.Permits.Dialect = "arcgis"
	cfg.Sources.Warehouse.Enabled = true
	cfg.Reconcile.MetricTolerances = map[string]float64{"vacancy": -1}
	cfg.Schedule.Hour = 24

	err := cfg.Validate("cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.permits.dialect")
	assert.Contains(t, err.Error(), "sources.warehouse.database_url is required")
	assert.Contains(t, err.Error(), "reconcile.metric_tolerances.vacancy")
	assert.Contains(t, err.Error(), "schedule.hour")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/mf"
	assert.NoError(t, cfg.Validate("cycle"))

	cfg.Store.Driver = "mongo"
	assert.Error(t, cfg.Validate("cycle"))
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateMigrate(t *testing.T) {
	err := validDefaults().Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate needs")
}

func TestValidateRead(t *testing.T) {
	c := validDefaults()
	c.Server.Port = 0
	c.Sources.Permits.Dialect = ""
	assert.NoError(t, c.Validate("read"), "read only needs a store")

	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = ""
	assert.Error(t, c.Validate("read"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
