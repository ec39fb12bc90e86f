package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/export-queue/internal/api/middleware"
)

// RegisterRoutes mounts the export endpoints under /api.
func RegisterRoutes(r chi.Router, h *ExportHandler, identity *middleware.IdentityMiddleware) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(identity.RequireUser)
			r.Post("/exports", h.CreateExport)
			r.Get("/exports", h.GetExport)
			r.Delete("/exports", h.CancelExport)
			r.Get("/exports/files", h.ListResultFiles)
			r.Get("/exports/files/{seq}", h.DownloadResultFile)
		})
		r.Group(func(r chi.Router) {
			r.Use(identity.RequireTenant)
			r.Get("/tenants/{tenant}/exports", h.ListTenantExports)
		})
	})
}
