// Package main runs the export queue server: the HTTP API and the export
// workers over a set of PostgreSQL shard schemas.
//
// Usage:
//
//	server [flags]           serve the API and run workers
//	server migrate [flags]   migrate every shard schema and exit
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/phrazzld/export-queue/internal/config"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/redact"
	"github.com/phrazzld/export-queue/internal/shard"
)

// Commands accepted as the first argument.
const (
	commandServe   = "serve"
	commandMigrate = "migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("export queue failed", slog.String("error", redact.Error(err)))
		os.Exit(1)
	}
}

// run loads the configuration and starts the requested command with the
// configured routing strategy.
func run(ctx context.Context, args []string) error {
	command, args := splitCommand(args)
	if command != commandServe && command != commandMigrate {
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := config.Load(config.Options{Args: args, EnvFile: ".env"})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Log)
	ctx = logger.WithLogger(ctx, log)
	log.Info("configuration loaded",
		slog.String("command", command),
		slog.Int("port", cfg.Server.Port),
		slog.String("shard_strategy", cfg.Shards.Strategy),
		slog.String("blob_backend", cfg.Blob.Backend),
		slog.Int("workers", cfg.Export.Workers))

	switch cfg.Shards.Strategy {
	case config.StrategyGroup:
		router, err := newGroupRouter(cfg.Shards)
		if err != nil {
			return err
		}
		return start[shard.GroupRef](ctx, command, cfg, log, router)
	default:
		router, err := shard.NewTenantRouter(cfg.Shards.SchemaPrefix, cfg.Shards.Count)
		if err != nil {
			return fmt.Errorf("failed to create tenant router: %w", err)
		}
		return start[shard.TenantRef](ctx, command, cfg, log, router)
	}
}

func splitCommand(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return commandServe, args
}

func newGroupRouter(cfg config.ShardConfig) (*shard.GroupRouter, error) {
	groups, err := shard.ParseTenantGroups(cfg.TenantGroups)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant groups: %w", err)
	}
	router, err := shard.NewGroupRouter(cfg.SchemaPrefix, groups, cfg.DefaultGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to create group router: %w", err)
	}
	return router, nil
}

// start migrates the shards when asked to and, for the serve command, runs
// the application until ctx is canceled.
func start[S shard.Ref](
	ctx context.Context,
	command string,
	cfg *config.Config,
	log *slog.Logger,
	router shard.Router[S],
) error {
	schemas := schemasOf(router.Refs())

	if command == commandMigrate || cfg.Database.AutoMigrate {
		if err := migrateShards(ctx, cfg.Database.URL, schemas); err != nil {
			return err
		}
		if command == commandMigrate {
			return nil
		}
	}

	db, err := setupAppDatabase(ctx, cfg.Database.URL, cfg.Database, log)
	if err != nil {
		return err
	}
	var replica *sql.DB
	if cfg.Database.ReplicaURL != "" {
		replica, err = setupAppDatabase(ctx, cfg.Database.ReplicaURL, cfg.Database, log)
		if err != nil {
			closeDB(db, log)
			return fmt.Errorf("replica: %w", err)
		}
	}

	app, err := newApplication[S](cfg, log, db, replica, router)
	if err != nil {
		closeDB(db, log)
		closeDB(replica, log)
		return err
	}
	return app.Run(ctx)
}

func schemasOf[S shard.Ref](refs []S) []string {
	schemas := make([]string, 0, len(refs))
	for _, ref := range refs {
		schemas = append(schemas, ref.Schema())
	}
	return schemas
}
