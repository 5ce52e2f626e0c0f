// Package migrations wires golang-migrate execution for Outpost's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/cadelake/outpost/db/migrations"
	"github.com/cadelake/outpost/internal/telemetry"
)

const embeddedSourceLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres schema reachable via dsn up to date. An empty
// migrationsDir loads the SQL bundled into the binary; a non-empty value
// loads migrations from that directory instead.
func Apply(ctx context.Context, dsn, migrationsDir string, logger zerolog.Logger) error {
	m, sourceLabel, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info().Str("source", sourceLabel).Msg("running database migrations")

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", sourceLabel)
			logger.Info().Msg("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", sourceLabel)
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info().Msg("database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", sourceLabel)

	return nil
}

// Rollback undoes the most recent steps migrations. Steps must be positive;
// source selection matches Apply.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger zerolog.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}

	m, sourceLabel, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info().Str("source", sourceLabel).Int("steps", steps).Msg("rolling back database migrations")

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", sourceLabel)
			logger.Info().Msg("no migrations to roll back")
			return nil
		}
		recordMigrationMetric(ctx, "failed", sourceLabel)
		return fmt.Errorf("rollback migrations: %w", err)
	}

	logger.Info().Msg("database migrations rolled back successfully")
	recordMigrationMetric(ctx, "rolled_back", sourceLabel)

	return nil
}

func newMigrator(ctx context.Context, dsn, migrationsDir string, logger zerolog.Logger) (*migrate.Migrate, string, func(), error) {
	sourceLabel := embeddedSourceLabel
	if strings.TrimSpace(migrationsDir) != "" {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		sourceLabel = resolved
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("database migrations close")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if sourceLabel == embeddedSourceLabel {
		source, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "pgx5", driver)
		if err != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
		}
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(sourceLabel), "pgx5", driver)
		if err != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
		}
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn().Err(sourceErr).Msg("database migrations source close")
		}
		if dbErr != nil {
			logger.Warn().Err(dbErr).Msg("database migrations db close")
		}
	}
	return m, sourceLabel, cleanup, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("outpost_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
