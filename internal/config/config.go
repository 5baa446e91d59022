// Package config loads mf-intel settings from config.yaml and MFINTEL_
// environment variables.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Crosswalk CrosswalkConfig `yaml:"crosswalk" mapstructure:"crosswalk"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Writer    WriterConfig    `yaml:"writer" mapstructure:"writer"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the dataset version backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SourcesConfig groups per-source settings.
type SourcesConfig struct {
	Permits   PermitsConfig   `yaml:"permits" mapstructure:"permits"`
	Vendor    VendorConfig    `yaml:"vendor" mapstructure:"vendor"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
}

// PermitsConfig configures the municipal permit portal.
type PermitsConfig struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	Dialect       string   `yaml:"dialect" mapstructure:"dialect"` // socrata | ckan
	Endpoint      string   `yaml:"endpoint" mapstructure:"endpoint"`
	AppToken      string   `yaml:"app_token" mapstructure:"app_token"`
	ResourceIDs   []string `yaml:"resource_ids" mapstructure:"resource_ids"`
	PageSize      int      `yaml:"page_size" mapstructure:"page_size"`           // 0 means the dialect default
	PermitClasses []string `yaml:"permit_classes" mapstructure:"permit_classes"` // empty means the dialect default
	RatePerSecond float64  `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// VendorConfig configures the vendor submarket export.
type VendorConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"` // local path, http(s):// or ftp:// URL
	Sheet   string `yaml:"sheet" mapstructure:"sheet"`
	AsOf    string `yaml:"as_of" mapstructure:"as_of"` // YYYY-MM-DD; empty means fetch time
}

// WarehouseConfig configures the legacy warehouse snapshot source.
type WarehouseConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Query       string `yaml:"query" mapstructure:"query"`
}

// CrosswalkConfig locates geography crosswalk overrides.
type CrosswalkConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	Shapefile string `yaml:"shapefile" mapstructure:"shapefile"`
	NameField string `yaml:"name_field" mapstructure:"name_field"`
	FromDB    bool   `yaml:"from_db" mapstructure:"from_db"`
}

// ReconcileConfig sets disagreement tolerances.
type ReconcileConfig struct {
	Tolerance        float64            `yaml:"tolerance" mapstructure:"tolerance"`
	MetricTolerances map[string]float64 `yaml:"metric_tolerances" mapstructure:"metric_tolerances"`
}

// RetryConfig configures source fetch backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// WriterConfig configures version commits.
type WriterConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ScheduleConfig configures the daily refresh.
type ScheduleConfig struct {
	Hour     int    `yaml:"hour" mapstructure:"hour"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MFINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key gets a default so AutomaticEnv can bind it.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "mf-intel.db")
	v.SetDefault("sources.permits.enabled", true)
	v.SetDefault("sources.permits.dialect", "socrata")
	v.SetDefault("sources.permits.endpoint", "https://data.austintexas.gov/resource/3syk-w9eu.json")
	v.SetDefault("sources.permits.app_token", "")
	v.SetDefault("sources.permits.resource_ids", []string{})
	v.SetDefault("sources.permits.page_size", 0)
	v.SetDefault("sources.permits.permit_classes", []string{})
	v.SetDefault("sources.permits.rate_per_second", 2.0)
	v.SetDefault("sources.vendor.enabled", true)
	v.SetDefault("sources.vendor.path", "")
	v.SetDefault("sources.vendor.sheet", "")
	v.SetDefault("sources.vendor.as_of", "")
	v.SetDefault("sources.warehouse.enabled", false)
	v.SetDefault("sources.warehouse.database_url", "")
	v.SetDefault("sources.warehouse.query", "")
	v.SetDefault("crosswalk.path", "")
	v.SetDefault("crosswalk.shapefile", "")
	v.SetDefault("crosswalk.name_field", "SUBMARKET")
	v.SetDefault("crosswalk.from_db", false)
	v.SetDefault("reconcile.tolerance", 0.05)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("writer.max_attempts", 5)
	v.SetDefault("schedule.hour", 6)
	v.SetDefault("schedule.timezone", "America/Chicago")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: cycle,
// serve, migrate, read.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be postgres, sqlite or memory")
	}

	switch mode {
	case "cycle":
		switch c.Sources.Permits.Dialect {
		case "socrata", "ckan":
		default:
			errs = append(errs, "sources.permits.dialect must be socrata or ckan")
		}
		if c.Sources.Warehouse.Enabled && c.Sources.Warehouse.DatabaseURL == "" {
			errs = append(errs, "sources.warehouse.database_url is required when the warehouse source is enabled")
		}
		if c.Reconcile.Tolerance < 0 {
			errs = append(errs, "reconcile.tolerance must be >= 0")
		}
		for m, tol := range c.Reconcile.MetricTolerances {
			if tol < 0 {
				errs = append(errs, "reconcile.metric_tolerances."+m+" must be >= 0")
			}
		}
		if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
			errs = append(errs, "schedule.hour must be between 0 and 23")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate":
		if c.Store.Driver == "memory" {
			errs = append(errs, "migrate needs a postgres or sqlite store")
		}
	case "read":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
