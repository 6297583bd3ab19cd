package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// Config is the top-level configuration for indexd.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	CORSOrigin string         `mapstructure:"cors_origin"`
	LogFormat  string         `mapstructure:"log_format"`
	DataSource string         `mapstructure:"data_source"`
	Catalog    CatalogConfig  `mapstructure:"catalog"`
	Storage    StorageConfig  `mapstructure:"storage"`
	Pipeline   PipelineConfig `mapstructure:"pipeline"`
	Refresh    RefreshConfig  `mapstructure:"refresh"`
	Notify     NotifyConfig   `mapstructure:"notify"`
	AOIs       []AOIConfig    `mapstructure:"aois"`
}

// CatalogConfig points at the STAC API. An empty URL uses the data source default.
type CatalogConfig struct {
	URL       string        `mapstructure:"url"`
	SASURL    string        `mapstructure:"sas_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	PageLimit int           `mapstructure:"page_limit"`
}

// StorageConfig defines the series store backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "parquet", "sqlite" or "postgres"
	Parquet  ParquetConfig  `mapstructure:"parquet"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// ParquetConfig selects where batch files are written.
type ParquetConfig struct {
	Backend string `mapstructure:"backend"` // "local", "gcs" or "s3"
	Root    string `mapstructure:"root"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Region  string `mapstructure:"region"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PipelineConfig tunes extraction.
type PipelineConfig struct {
	Granularity  string   `mapstructure:"granularity"`
	Indices      []string `mapstructure:"indices"`
	ResolutionM  float64  `mapstructure:"resolution_m"`
	TileSize     int      `mapstructure:"tile_size"`
	Workers      int      `mapstructure:"workers"`
	FillGaps     bool     `mapstructure:"fill_gaps"`
	InvalidCodes []int    `mapstructure:"invalid_codes"` // overrides the data source's codes when set
}

// RefreshConfig defines periodic update behavior in serve mode.
type RefreshConfig struct {
	OnStartup     bool          `mapstructure:"on_startup"`
	Interval      time.Duration `mapstructure:"interval"`
	BootstrapDays int           `mapstructure:"bootstrap_days"`
}

// NotifyConfig enables batch events on NATS. An empty URL disables them.
type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// AOIConfig defines an area of interest either by bbox ("minLon,minLat,maxLon,maxLat")
// or by a point and buffer radius.
type AOIConfig struct {
	Name    string  `mapstructure:"name"`
	Lat     float64 `mapstructure:"lat"`
	Lon     float64 `mapstructure:"lon"`
	RadiusM float64 `mapstructure:"radius_m"`
	BBox    string  `mapstructure:"bbox"`
}

// Resolve returns the AOI with its bounding box.
func (a AOIConfig) Resolve() (series.AOI, error) {
	if a.BBox != "" {
		b, err := series.ParseBBox(a.BBox)
		if err != nil {
			return series.AOI{}, err
		}
		return series.AOI{Name: a.Name, BBox: b}, nil
	}
	b, err := geometry.BuildBBox(a.Lat, a.Lon, a.RadiusM)
	if err != nil {
		return series.AOI{}, err
	}
	return series.AOI{Name: a.Name, BBox: b}, nil
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $INDEXD_CONFIG env → ~/.config/indexd/config.yaml → /etc/indexd/config.yaml
// A .env file in the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("data_source", "sentinel-2")
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.retries", 3)
	v.SetDefault("catalog.page_limit", 100)
	v.SetDefault("storage.driver", "parquet")
	v.SetDefault("storage.parquet.backend", "local")
	v.SetDefault("storage.parquet.root", "data")
	v.SetDefault("pipeline.granularity", "week")
	v.SetDefault("pipeline.indices", []string{"ndvi", "bsi", "ndmi", "nbr"})
	v.SetDefault("pipeline.resolution_m", 20.0)
	v.SetDefault("pipeline.tile_size", 2048)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.fill_gaps", true)
	v.SetDefault("refresh.on_startup", true)
	v.SetDefault("refresh.interval", 24*time.Hour)
	v.SetDefault("refresh.bootstrap_days", 365)
	v.SetDefault("notify.subject", "indices.batches")

	// Env var support (INDEXD_STORAGE_DRIVER, ...)
	v.SetEnvPrefix("INDEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("INDEXD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "indexd"))
		}
		v.AddConfigPath("/etc/indexd")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyLegacyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyLegacyEnv honors the variable names used by existing deployments' .env files.
func (c *Config) applyLegacyEnv() {
	if c.Catalog.URL == "" {
		switch c.DataSource {
		case "hls":
			c.Catalog.URL = os.Getenv("MPC_STAC_API_URL")
		case "sentinel-2":
			c.Catalog.URL = os.Getenv("AWS_STAC_API_URL")
		}
	}
	if c.Storage.Parquet.Bucket == "" {
		c.Storage.Parquet.Bucket = os.Getenv("S3_BUCKET_NAME")
	}
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	switch c.DataSource {
	case "sentinel-2", "hls":
	default:
		return fmt.Errorf("data_source must be 'sentinel-2' or 'hls', got %q", c.DataSource)
	}

	switch c.Storage.Driver {
	case "parquet":
		switch c.Storage.Parquet.Backend {
		case "local":
			if c.Storage.Parquet.Root == "" {
				return fmt.Errorf("storage.parquet.root is required for the local backend")
			}
		case "gcs", "s3":
			if c.Storage.Parquet.Bucket == "" {
				return fmt.Errorf("storage.parquet.bucket is required for the %s backend", c.Storage.Parquet.Backend)
			}
		default:
			return fmt.Errorf("storage.parquet.backend must be 'local', 'gcs' or 's3', got %q", c.Storage.Parquet.Backend)
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'parquet', 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	switch c.Pipeline.Granularity {
	case "day", "week", "month":
	default:
		return fmt.Errorf("pipeline.granularity must be 'day', 'week' or 'month', got %q", c.Pipeline.Granularity)
	}
	if len(c.Pipeline.Indices) == 0 {
		return fmt.Errorf("pipeline.indices must name at least one index")
	}
	for _, name := range c.Pipeline.Indices {
		if _, err := series.ParseIndex(name); err != nil {
			return fmt.Errorf("pipeline.indices: %w", err)
		}
	}
	if c.Pipeline.ResolutionM <= 0 {
		return fmt.Errorf("pipeline.resolution_m must be positive")
	}

	seen := make(map[string]bool, len(c.AOIs))
	for i, a := range c.AOIs {
		if a.Name == "" {
			return fmt.Errorf("aois[%d]: name is required", i)
		}
		if err := series.ValidateAOIName(a.Name); err != nil {
			return fmt.Errorf("aois[%d]: %w", i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("aois[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if _, err := a.Resolve(); err != nil {
			return fmt.Errorf("aois[%d] (%s): %w", i, a.Name, err)
		}
	}

	if c.Refresh.Interval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}

	// Validate listen_addr.
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// DSN returns the appropriate DSN for the configured SQL storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}

// AOI returns the configured AOI with the given name.
func (c *Config) AOI(name string) (series.AOI, bool) {
	for _, a := range c.AOIs {
		if a.Name == name {
			aoi, err := a.Resolve()
			return aoi, err == nil
		}
	}
	return series.AOI{}, false
}

// Indices returns the enabled indices.
func (c *Config) Indices() []series.Index {
	out := make([]series.Index, 0, len(c.Pipeline.Indices))
	for _, name := range c.Pipeline.Indices {
		if idx, err := series.ParseIndex(name); err == nil {
			out = append(out, idx)
		}
	}
	return out
}
