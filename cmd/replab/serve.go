package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/replab-dev/replab/internal/blob"
	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/config"
	"github.com/replab-dev/replab/internal/gateway/httpapi"
	"github.com/replab-dev/replab/internal/gateway/stream"
	"github.com/replab-dev/replab/internal/janitor"
	"github.com/replab-dev/replab/internal/observability"
	"github.com/replab-dev/replab/internal/plan"
	"github.com/replab-dev/replab/internal/run"
	"github.com/replab-dev/replab/internal/sandbox"
	"github.com/replab-dev/replab/internal/storage"
)

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Replab server (HTTP API, SSE and WebSocket streaming)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `replab --config path` and `replab serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve generated OpenAPI documentation")
	}
}

// runServe starts Replab in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(goutils.Env("REPLAB_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting replab server", slog.String("addr", cfg.Server.Addr))

	// Observability (nil when disabled in config).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Durable run store.
	db, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		SQLite: storage.SQLiteConfig{
			Path:        cfg.Storage.SQLite.Path,
			JournalMode: cfg.Storage.SQLite.JournalMode,
		},
		Postgres: postgresConfig(cfg),
	}, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing storage", slog.String("error", err.Error()))
		}
	}()
	store := storage.NewRunRepository(db)

	// Artifact store.
	blobs, err := newBlobStore(cfg, logger)
	if err != nil {
		return err
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", db.Ping)
	}

	// Executor and its collaborators.
	eventBus := bus.New()
	runner := sandbox.NewProcessRunner(sandbox.ProcessConfig{
		Interpreter:    cfg.Sandbox.Interpreter,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		LogsCapBytes:   cfg.Sandbox.LogsCapBytes,
		EventsCapBytes: cfg.Sandbox.EventsCapBytes,
	}, logger)

	var runMetrics *run.Metrics
	if obs != nil && obs.Metrics != nil {
		runMetrics = run.NewMetrics(obs.Metrics.Registry)
	}

	executor := run.NewExecutor(
		store,
		blobs,
		plan.NewResolver(blobs, logger),
		plan.NewProgramSource(blobs),
		runner,
		eventBus,
		runMetrics,
		logger,
		run.Config{MaxBudgetMinutes: cfg.Run.MaxBudgetMinutes},
	)
	if obs != nil && obs.Tracer != nil {
		executor.WithTracer(obs.Tracer.Tracer())
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Janitor (optional).
	if cfg.Janitor != nil {
		j := janitor.New(store, eventBus, cfg.Janitor, logger)
		stopJanitor, err := j.Start()
		if err != nil {
			return err
		}
		defer stopJanitor()
	}

	// HTTP gateway with the WebSocket stream endpoint mounted alongside.
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.Addr,
		EnableDocs: serveDocs,
		APIKeys:    apiKeysFromEnv(),
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	streamServer := stream.NewServer(executor, eventBus, logger)
	gw := httpapi.NewGateway(gwCfg, executor, eventBus, blobs, logger).
		WithHandler("/ws/runs", streamServer.Handler())

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("http gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newBlobStore(cfg *config.Config, logger *slog.Logger) (*blob.Store, error) {
	blobs, err := blob.New(blob.Config{
		Root:      cfg.Blob.Root,
		SecretKey: cfg.Blob.SecretKey,
		URLTTL:    time.Duration(cfg.Blob.URLTTL) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing blob store: %w", err)
	}
	return blobs, nil
}

func postgresConfig(cfg *config.Config) storage.PostgresConfig {
	if cfg.Storage.Postgres == nil {
		return storage.PostgresConfig{}
	}
	return storage.PostgresConfig{
		DSN:             cfg.Storage.Postgres.DSN,
		MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	}
}

// apiKeysFromEnv parses REPLAB_API_KEYS ("key:client,key:client").
// Empty means the API runs unauthenticated.
func apiKeysFromEnv() map[string]string {
	raw := os.Getenv("REPLAB_API_KEYS")
	if raw == "" {
		return nil
	}
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) == 2 && parts[0] != "" {
			keys[parts[0]] = parts[1]
		}
	}
	return keys
}
