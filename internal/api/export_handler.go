package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/export-queue/internal/api/shared"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/task"
)

// ExportHandler serves the export endpoints of the calling user.
type ExportHandler struct {
	manager   service.TaskManager
	validator *validator.Validate
	logger    *slog.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(manager service.TaskManager, logger *slog.Logger) *ExportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &ExportHandler{
		manager:   manager,
		validator: v,
		logger:    logger.With(slog.String("component", "export_handler")),
	}
}

func identity(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.GetIdentity(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Identity not found")
	}
	return id, ok
}

// CreateExport handles POST /api/exports. A finished export of the user is
// replaced; a running one yields 409.
func (h *ExportHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req CreateExportRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	t, err := h.manager.RequestExport(r.Context(), id.Tenant, id.User, req.arguments(r))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("export requested",
		slog.String("task_id", t.ID.String()),
		slog.Int("tenant", id.Tenant),
		slog.Int("user", id.User))
	w.Header().Set("Location", "/api/exports")
	shared.RespondWithJSON(w, r, http.StatusAccepted, exportToResponse(t))
}

// GetExport handles GET /api/exports.
func (h *ExportHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	status, err := h.manager.GetStatus(r.Context(), id.Tenant, id.User)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, statusToResponse(status))
}

// CancelExport handles DELETE /api/exports. With purge=true the export and
// its files are deleted; otherwise it is aborted.
func (h *ExportHandler) CancelExport(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	purge := false
	if v := r.URL.Query().Get("purge"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid purge flag")
			return
		}
		purge = p
	}

	if purge {
		deleted, err := h.manager.DeleteTask(r.Context(), id.Tenant, id.User)
		if err != nil {
			respondWithServiceError(w, r, err)
			return
		}
		if !deleted {
			shared.RespondWithError(w, r, http.StatusNotFound, GetSafeErrorMessage(service.ErrNoExport))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	aborted, err := h.manager.MarkAborted(r.Context(), id.Tenant, id.User)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if !aborted {
		shared.RespondWithError(w, r, http.StatusConflict, "Export has already finished")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResultFiles handles GET /api/exports/files.
func (h *ExportHandler) ListResultFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	files, err := h.manager.GetResultFiles(r.Context(), id.Tenant, id.User)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"files": resultFilesToResponse(files),
	})
}

// DownloadResultFile handles GET /api/exports/files/{seq}.
func (h *ExportHandler) DownloadResultFile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid file number")
		return
	}

	body, file, err := h.manager.OpenResultFile(r.Context(), id.Tenant, id.User, seq)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close result file", slog.Any("error", err))
		}
	}()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+task.ResultFileName(seq)+`"`)
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil && !errors.Is(err, r.Context().Err()) {
		// Headers are gone; all that is left is to log.
		logger.FromContext(r.Context()).Error("failed to stream result file",
			slog.String("task_id", file.TaskID.String()),
			slog.Int("seq", seq),
			slog.Any("error", err))
	}
}

// ListTenantExports handles GET /api/tenants/{tenant}/exports. Callers may
// only list their own tenant.
func (h *ExportHandler) ListTenantExports(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	tenant, err := strconv.Atoi(chi.URLParam(r, "tenant"))
	if err != nil || tenant < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid tenant")
		return
	}
	if tenant != id.Tenant {
		shared.RespondWithError(w, r, http.StatusForbidden, "Tenant mismatch")
		return
	}

	tasks, err := h.manager.ListForTenant(r.Context(), tenant)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"exports": tenantExportsToResponse(tasks),
	})
}
