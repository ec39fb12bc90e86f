package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/task"
)

// manifestModule is the module id of the built-in manifest exporter.
const manifestModule = "manifest"

// exportManifest describes what an export contains. It is the one module
// the server ships with; data modules are registered by deployments.
type exportManifest struct {
	TaskID      uuid.UUID       `json:"task_id"`
	Tenant      int             `json:"tenant"`
	User        int             `json:"user"`
	RequestedAt time.Time       `json:"requested_at"`
	Host        domain.HostInfo `json:"host"`
	Modules     []string        `json:"modules"`
}

func exportManifestModule(ctx context.Context, req task.ExportRequest, w io.Writer) error {
	m := exportManifest{
		TaskID:      req.Task.ID,
		Tenant:      req.Task.Tenant,
		User:        req.Task.User,
		RequestedAt: req.Task.CreatedAt,
		Host:        req.Task.Arguments.HostInfo,
	}
	for _, mod := range req.Task.Arguments.Modules {
		m.Modules = append(m.Modules, mod.ID)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if req.Checkpoint == nil {
		return nil
	}
	msg := domain.NewMessage(manifestModule, fmt.Sprintf("manifest lists %d modules", len(m.Modules)))
	return req.Checkpoint(ctx, domain.Savepoint{Messages: []domain.Message{msg}})
}

// newModuleRegistry returns the registry of built-in exporters.
func newModuleRegistry() *task.Registry {
	reg := task.NewRegistry()
	reg.Register(manifestModule, task.ModuleExporterFunc(exportManifestModule))
	return reg
}
