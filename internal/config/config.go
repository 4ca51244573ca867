// Package config handles loading and validating Replab configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Replab.
// Nil pointer sections mean the feature is disabled.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.replab/data. Override: REPLAB_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data_dir)
	Blob          BlobConfig           `json:"blob" yaml:"blob"`
	Run           RunConfig            `json:"run" yaml:"run"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // Listen address. Default: ":8080". Override: REPLAB_ADDR.
}

// StorageConfig selects the durable run store backend.
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/replab.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default)
}

type PostgresConfig struct {
	DSN             string `json:"dsn" yaml:"dsn"` // Override: REPLAB_DB_DSN.
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // Seconds.
}

// BlobConfig configures the filesystem artifact store.
type BlobConfig struct {
	Root      string `json:"root,omitempty" yaml:"root,omitempty"` // Default: <data_dir>/blobs
	SecretKey string `json:"secret_key" yaml:"secret_key"`         // HMAC key for signed URLs. Override: REPLAB_BLOB_SECRET.
	URLTTL    int    `json:"url_ttl" yaml:"url_ttl"`               // Signed URL lifetime in seconds. Default: 900.
}

// RunConfig bounds run execution.
type RunConfig struct {
	MaxBudgetMinutes int `json:"max_budget_minutes" yaml:"max_budget_minutes"` // Hard budget ceiling. Default: 25.
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	Interpreter    string `json:"interpreter" yaml:"interpreter"`           // Default: "python3".
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes"` // Per-unit stdout/stderr cap. Default: 1 MiB.
	LogsCapBytes   int    `json:"logs_cap_bytes" yaml:"logs_cap_bytes"`     // logs.txt ceiling. Default: 2 MiB.
	EventsCapBytes int    `json:"events_cap_bytes" yaml:"events_cap_bytes"` // events.jsonl ceiling. Default: 5 MiB.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "replab"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// JanitorConfig configures the background sweep of finished run histories
// and stale running runs.
type JanitorConfig struct {
	Schedule          string `json:"schedule" yaml:"schedule"`                       // Cron spec. Default: "@every 10m".
	HistoryTTLMinutes int    `json:"history_ttl_minutes" yaml:"history_ttl_minutes"` // Closed-history retention. Default: 60.
	StaleAfterMinutes int    `json:"stale_after_minutes" yaml:"stale_after_minutes"` // Running-run staleness cutoff. Default: 2× run.max_budget_minutes.
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error"
	Format string `json:"format" yaml:"format"` // "text" (default) or "json"
}

// DefaultConfigPath returns the default config file path (~/.replab/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/replab.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".replab", "config.yaml")
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies REPLAB_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("REPLAB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REPLAB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REPLAB_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("REPLAB_BLOB_SECRET"); v != "" {
		c.Blob.SecretKey = v
	}
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".replab", "data")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "sqlite"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.DataDir, "replab.db")
	}
	if c.Blob.Root == "" {
		c.Blob.Root = filepath.Join(c.DataDir, "blobs")
	}
	if c.Blob.URLTTL <= 0 {
		c.Blob.URLTTL = 900
	}
	if c.Run.MaxBudgetMinutes <= 0 {
		c.Run.MaxBudgetMinutes = 25
	}
	if c.Janitor != nil {
		if c.Janitor.Schedule == "" {
			c.Janitor.Schedule = "@every 10m"
		}
		if c.Janitor.HistoryTTLMinutes <= 0 {
			c.Janitor.HistoryTTLMinutes = 60
		}
		if c.Janitor.StaleAfterMinutes <= 0 {
			c.Janitor.StaleAfterMinutes = 2 * c.Run.MaxBudgetMinutes
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (or set REPLAB_DB_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}
