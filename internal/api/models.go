package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/task"
)

// CreateExportRequest is the body of POST /api/exports.
type CreateExportRequest struct {
	Modules     []ModuleRequest  `json:"modules"             validate:"required,min=1,max=64,unique=ID,dive"`
	MaxFileSize int64            `json:"max_file_size"       validate:"gte=0"`
	HostInfo    *HostInfoRequest `json:"host_info,omitempty"`
}

// ModuleRequest selects one module.
type ModuleRequest struct {
	ID      string         `json:"id"                validate:"required,max=64"`
	Options map[string]any `json:"options,omitempty"`
}

// HostInfoRequest overrides the host result links point at.
type HostInfoRequest struct {
	Host   string `json:"host"   validate:"required,max=255"`
	Secure bool   `json:"secure"`
}

// arguments builds the task arguments. Without explicit host info the
// request's own host is recorded.
func (req CreateExportRequest) arguments(r *http.Request) domain.Arguments {
	args := domain.Arguments{MaxFileSize: req.MaxFileSize}
	if req.HostInfo != nil {
		args.HostInfo = domain.HostInfo{Host: req.HostInfo.Host, Secure: req.HostInfo.Secure}
	} else {
		args.HostInfo = domain.HostInfo{Host: r.Host, Secure: r.TLS != nil}
	}
	for _, m := range req.Modules {
		args.Modules = append(args.Modules, domain.Module{ID: m.ID, Options: m.Options})
	}
	return args
}

// ExportResponse describes a newly requested export.
type ExportResponse struct {
	ID          uuid.UUID     `json:"id"`
	Status      domain.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Modules     []string      `json:"modules"`
	MaxFileSize int64         `json:"max_file_size"`
}

func exportToResponse(t *domain.Task) ExportResponse {
	resp := ExportResponse{
		ID:          t.ID,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		MaxFileSize: t.Arguments.MaxFileSize,
	}
	for _, m := range t.Arguments.Modules {
		resp.Modules = append(resp.Modules, m.ID)
	}
	return resp
}

// StatusResponse is the body of GET /api/exports.
type StatusResponse struct {
	TaskID     uuid.UUID              `json:"task_id"`
	Status     domain.Status          `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Modules    []service.ModuleStatus `json:"modules"`
	Messages   []domain.Message       `json:"messages,omitempty"`
	Files      int                    `json:"files"`
	TotalSize  int64                  `json:"total_size"`
}

func statusToResponse(s *service.ExportStatus) StatusResponse {
	return StatusResponse{
		TaskID:     s.TaskID,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		StartedAt:  s.StartedAt,
		DurationMS: s.Duration.Milliseconds(),
		Modules:    s.Modules,
		Messages:   s.Messages,
		Files:      s.Files,
		TotalSize:  s.TotalSize,
	}
}

// ResultFileResponse lists one downloadable result file.
type ResultFileResponse struct {
	Seq  int    `json:"seq"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func resultFilesToResponse(files []domain.ResultFile) []ResultFileResponse {
	resp := make([]ResultFileResponse, 0, len(files))
	for _, f := range files {
		resp = append(resp, ResultFileResponse{
			Seq:  f.Seq,
			Name: task.ResultFileName(f.Seq),
			Size: f.Size,
			URL:  fmt.Sprintf("/api/exports/files/%d", f.Seq),
		})
	}
	return resp
}

// TenantExportResponse is one entry of a tenant's export listing.
type TenantExportResponse struct {
	ID         uuid.UUID     `json:"id"`
	User       int           `json:"user"`
	Status     domain.Status `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Notified   bool          `json:"notified"`
}

func tenantExportsToResponse(tasks []domain.Task) []TenantExportResponse {
	resp := make([]TenantExportResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, TenantExportResponse{
			ID:         t.ID,
			User:       t.User,
			Status:     t.Status,
			CreatedAt:  t.CreatedAt,
			StartedAt:  t.StartedAt,
			DurationMS: t.Duration.Milliseconds(),
			Notified:   t.NotificationSent,
		})
	}
	return resp
}
