package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/phrazzld/export-queue/internal/config"
	"github.com/phrazzld/export-queue/internal/platform/postgres"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/phrazzld/export-queue/internal/task"
)

var (
	_ task.Engine[shard.TenantRef] = (*service.ExportService[shard.TenantRef])(nil)
	_ task.Engine[shard.GroupRef]  = (*service.ExportService[shard.GroupRef])(nil)
)

// application holds the shared dependencies of one routing strategy and
// owns their shutdown.
type application[S shard.Ref] struct {
	config *config.Config
	logger *slog.Logger

	db      *sql.DB
	replica *sql.DB
	blobs   io.Closer

	broker  *shard.Broker
	service *service.ExportService[S]
	runner  *task.Runner[S]
}

// newApplication wires the store, the export service and the runner on top
// of the open database pools.
func newApplication[S shard.Ref](
	cfg *config.Config,
	logger *slog.Logger,
	db, replica *sql.DB,
	router shard.Router[S],
) (*application[S], error) {
	app := &application[S]{
		config:  cfg,
		logger:  logger,
		db:      db,
		replica: replica,
	}

	opts := []shard.BrokerOption{
		shard.WithAcquireTimeout(cfg.Database.AcquireTimeout),
		shard.WithReadAfterWriteWindow(cfg.Database.ReadAfterWriteWindow),
	}
	if replica != nil {
		opts = append(opts, shard.WithReplica(replica))
	}
	app.broker = shard.NewBroker(db, opts...)

	buckets, closer, err := setupBlobStore(cfg.Blob)
	if err != nil {
		return nil, err
	}
	app.blobs = closer

	st := postgres.NewExportStore[S](app.broker, buckets, postgres.Options{
		ExpirationThreshold: cfg.Export.ExpirationThreshold,
		ScanParallelism:     cfg.Export.ScanParallelism,
		LockTimeout:         cfg.Export.LockTimeout,
	})

	app.service, err = service.NewExportService[S](router, st, buckets, service.Config{
		ExpirationThreshold: cfg.Export.ExpirationThreshold,
		MaxTimeToLive:       cfg.Export.MaxTimeToLive,
		MaxFailCount:        cfg.Export.MaxFailCountForWorkItem,
		DefaultMaxFileSize:  cfg.Export.DefaultMaxFileSize,
	}, logger)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create export service: %w", err)
	}

	if cfg.Export.Workers > 0 {
		app.runner = task.NewRunner[S](app.service, newModuleRegistry(), task.LogNotifier{Logger: logger},
			task.RunnerConfig{
				WorkerCount:       cfg.Export.Workers,
				PollInterval:      cfg.Export.PollInterval,
				HeartbeatInterval: cfg.Export.HeartbeatInterval,
				SweepInterval:     cfg.Export.SweepInterval,
			}, logger)
	}

	logger.Info("application initialized",
		slog.Int("shards", len(router.Refs())),
		slog.Bool("workers_enabled", app.runner != nil))
	return app, nil
}

// Run starts the workers and the HTTP server and blocks until ctx is
// canceled or the server fails. Everything is shut down before it returns.
func (app *application[S]) Run(ctx context.Context) error {
	defer app.cleanup()

	if app.runner != nil {
		app.runner.Start()
	}

	if app.config.Server.DisableHTTP {
		app.logger.Info("HTTP disabled, running workers only")
		<-ctx.Done()
		return nil
	}
	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops the workers before the pools they use are closed.
func (app *application[S]) cleanup() {
	if app.runner != nil {
		app.runner.Stop()
	}
	if app.blobs != nil {
		if err := app.blobs.Close(); err != nil {
			app.logger.Error("error closing blob store", slog.String("error", err.Error()))
		}
	}
	closeDB(app.replica, app.logger)
	closeDB(app.db, app.logger)

	stats := app.broker.Stats()
	app.logger.Info("application shutdown completed",
		slog.Int64("checkouts", stats.Acquired),
		slog.Int64("failed_checkouts", stats.Failed))
}
