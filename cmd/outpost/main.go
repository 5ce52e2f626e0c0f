// Command outpost runs the offline-first task agent: a local REST API over
// Postgres plus the background loop that replays queued mutations to the
// remote authority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/cadelake/outpost/internal/app/runner"
	"github.com/cadelake/outpost/internal/app/tasks"
	"github.com/cadelake/outpost/internal/httpapi"
	"github.com/cadelake/outpost/internal/infra/config"
	"github.com/cadelake/outpost/internal/infra/persistence"
	"github.com/cadelake/outpost/internal/infra/persistence/migrations"
	"github.com/cadelake/outpost/internal/infra/persistence/postgres"
	"github.com/cadelake/outpost/internal/remote"
	"github.com/cadelake/outpost/internal/syncer"
	"github.com/cadelake/outpost/internal/telemetry"
)

const (
	defaultConfigPath        = "config/outpost.yaml"
	shutdownTimeout          = 30 * time.Second
	apiShutdownTimeout       = 5 * time.Second
	runnerShutdownTimeout    = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}

	logger := newLogger(appCfg.Log)
	logger.Info().
		Str("environment", string(appCfg.Environment)).
		Str("remote", appCfg.Remote.BaseURL).
		Msg("configuration loaded")

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize telemetry")
	}

	if appCfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, appCfg.Database.DSN, "", logger); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	pool, err := persistence.NewPool(ctx, appCfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database pool")
	}
	postgres.ObservePoolMetrics(pool, "main")

	store := postgres.New(pool)
	taskStore := store.Tasks()
	outboxStore := store.Outbox()
	syncer.ObserveQueueDepth(outboxStore)

	client, err := remote.NewClient(appCfg.Remote, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build remote client")
	}

	engine := syncer.NewEngine(taskStore, outboxStore, client, syncer.Config{
		BatchSize:  appCfg.Sync.BatchSize,
		MaxRetries: appCfg.Sync.MaxRetries,
	}, logger)
	service := tasks.NewService(taskStore, outboxStore, logger)
	syncRunner := runner.New(engine, client, appCfg.Sync.Interval, logger)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := syncRunner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("sync runner exited")
		}
	})

	apiServer := buildAPIServer(appCfg.APIServer, httpapi.New(service, syncRunner, logger))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info().Str("addr", apiServer.Addr).Msg("api listening")

	logger.Info().Msg("outpost started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return resolveConfigPath(*cfgPath)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "outpost").Logger()
}

func initTelemetry(ctx context.Context, logger zerolog.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	cfg.EnableMetrics = appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if cfg.Enabled && cfg.EnableMetrics {
		logger.Info().
			Str("endpoint", cfg.OTLPEndpoint).
			Str("service", cfg.ServiceName).
			Msg("telemetry initialized")
	} else {
		logger.Info().Msg("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, api *httpapi.Server) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger zerolog.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server")
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Info().Str("step", name).Msg("shutdown step starting")
		if err := fn(stepCtx); err != nil {
			logger.Error().Err(err).Str("step", name).Msg("shutdown step failed")
		} else {
			logger.Info().Str("step", name).Msg("shutdown step completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("api server", apiShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("background goroutines", runnerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pool != nil {
		shutdownStep("database pool", poolShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.pool.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
