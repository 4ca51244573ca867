// Package storage implements the durable run store using GORM.
// Two backends: SQLite (default, zero-config, pure Go via glebarez) and
// PostgreSQL (production). All GORM usage is confined to this package —
// the run domain types stay ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the storage backend.
type Config struct {
	Driver   string         `yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Database file path.
	JournalMode string `yaml:"journal_mode"` // "wal" by default.
}

type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`    // Default: 25
	MaxIdleConns    int    `yaml:"max_idle_conns"`    // Default: 5
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // Seconds. Default: 30m
}

// DB wraps a GORM connection with health-check and lifecycle methods.
type DB struct {
	gormDB *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and runs AutoMigrate.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var (
		db     *gorm.DB
		driver string
		err    error
	)
	switch cfg.Driver {
	case DriverPostgres:
		driver = DriverPostgres
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger:         gormLogger,
			NowFunc:        func() time.Time { return time.Now().UTC() },
			PrepareStmt:    true,
			TranslateError: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := configurePool(db, cfg.Postgres); err != nil {
			return nil, err
		}
	case DriverSQLite, "":
		driver = DriverSQLite
		path := cfg.SQLite.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		journalMode := cfg.SQLite.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:         gormLogger,
			NowFunc:        func() time.Time { return time.Now().UTC() },
			TranslateError: true,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(&RunModel{}, &RunEventModel{}, &RunSeriesModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("storage connected", slog.String("driver", driver))
	return &DB{gormDB: db, driver: driver, logger: slogger}, nil
}

func configurePool(db *gorm.DB, cfg PostgresConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := time.Duration(cfg.ConnMaxLifetime) * time.Second
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	return nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Driver returns the active driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Ping checks the connection for health/readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
