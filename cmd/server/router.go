package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/export-queue/internal/api"
	apiMiddleware "github.com/phrazzld/export-queue/internal/api/middleware"
	"github.com/phrazzld/export-queue/internal/api/shared"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/shard"
)

// setupRouter creates the router with the standard middleware, the export
// API and the health check.
func (app *application[S]) setupRouter() http.Handler {
	return newRouter(app.service, app.logger, app.db.PingContext, app.broker.Stats)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status   string            `json:"status"`
	Database string            `json:"database"`
	Broker   shard.BrokerStats `json:"broker"`
}

func newRouter(
	manager service.TaskManager,
	logger *slog.Logger,
	ping func(context.Context) error,
	stats func() shard.BrokerStats,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	api.RegisterRoutes(r, api.NewExportHandler(manager, logger), apiMiddleware.NewIdentityMiddleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok", Broker: stats()}
		status := http.StatusOK
		if err := ping(ctx); err != nil {
			logger.Error("health check failed", slog.String("error", err.Error()))
			resp.Status, resp.Database = "unavailable", "unreachable"
			status = http.StatusServiceUnavailable
		}
		shared.RespondWithJSON(w, r, status, resp)
	})

	return r
}
