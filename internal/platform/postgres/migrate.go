package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrationTableName tracks applied migrations inside each shard schema.
const MigrationTableName = "export_schema_migrations"

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		// ALLOW-PANIC: the embedded directory is fixed at compile time
		panic(err)
	}
	return sub
}

// MigrateSchemas creates every schema that does not exist yet and applies
// the pending migrations to it. Each schema is migrated over its own short
// lived connection pool whose search_path points at the schema, so the
// migration files stay schema agnostic.
func MigrateSchemas(ctx context.Context, databaseURL string, schemas []string) error {
	log := logger.FromContext(ctx).With(slog.String("component", "migrations"))

	for _, schema := range schemas {
		start := time.Now()
		applied, err := migrateSchema(ctx, databaseURL, schema)
		if err != nil {
			log.Error("shard migration failed",
				slog.String("schema", schema),
				slog.String("error", err.Error()))
			return fmt.Errorf("migrate schema %s: %w", schema, err)
		}
		log.Info("shard schema up to date",
			slog.String("schema", schema),
			slog.Int("applied", applied),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
	return nil
}

func migrateSchema(ctx context.Context, databaseURL, schema string) (int, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return 0, fmt.Errorf("parse database url: %w", err)
	}
	quoted := pgx.Identifier{schema}.Sanitize()
	cfg.RuntimeParams["search_path"] = quoted

	db := stdlib.OpenDB(*cfg)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		return 0, fmt.Errorf("create schema: %w", MapError(err))
	}

	versions, err := database.NewStore(database.DialectPostgres, MigrationTableName)
	if err != nil {
		return 0, fmt.Errorf("create migration store: %w", err)
	}
	provider, err := goose.NewProvider(
		"",
		db,
		Migrations(),
		goose.WithStore(versions),
		goose.WithLogger(&slogGooseLogger{log: logger.FromContext(ctx).With(slog.String("schema", schema))}),
	)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}

// DropSchemas removes the given schemas with everything in them.
func DropSchemas(ctx context.Context, databaseURL string, schemas []string) error {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	defer func() { _ = db.Close() }()

	for _, schema := range schemas {
		if _, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("drop schema %s: %w", schema, MapError(err))
		}
	}
	return nil
}

// slogGooseLogger adapts the goose logger interface to use slog
type slogGooseLogger struct {
	log *slog.Logger
}

// Printf implements the goose.Logger Printf method by forwarding messages to slog.Info
func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf implements the goose.Logger Fatalf method by forwarding error messages to slog.Error.
// It does not exit; the provider returns the error to the caller.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
