package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/export-queue/internal/config"
	"github.com/phrazzld/export-queue/internal/platform/postgres"
	"github.com/phrazzld/export-queue/internal/redact"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// setupAppDatabase opens a pgx-backed pool, applies the pool settings and
// checks the connection.
func setupAppDatabase(
	ctx context.Context,
	url string,
	cfg config.DatabaseConfig,
	logger *slog.Logger,
) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %s", redact.Error(err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %s", redact.Error(err))
	}

	logger.Info("database connection established",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns))
	return db, nil
}

func closeDB(db *sql.DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		logger.Error("error closing database connection", slog.String("error", err.Error()))
	}
}

// migrateShards creates and migrates every shard schema.
func migrateShards(ctx context.Context, url string, schemas []string) error {
	if err := postgres.MigrateSchemas(ctx, url, schemas); err != nil {
		return fmt.Errorf("failed to migrate shards: %s", redact.Error(err))
	}
	return nil
}
