package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/phrazzld/export-queue/internal/domain"
)

// ExportRequest is what a module exporter gets to work on.
type ExportRequest struct {
	Task   *domain.Task
	Module domain.Module
	// Savepoint is the state the module stored during an earlier attempt.
	// Data is empty on the first attempt.
	Savepoint domain.Savepoint
	// Checkpoint stores new resumption state and replaces the task's report
	// messages with sp.Messages. Everything written before the call is kept
	// with it: an attempt resuming from sp appends to that output, and
	// output written after the last checkpoint of a failed attempt is
	// discarded. The runner sets sp.Location. Checkpoint must be called from
	// the goroutine writing the output.
	Checkpoint func(ctx context.Context, sp domain.Savepoint) error
}

// ModuleExporter produces the data of one export module.
type ModuleExporter interface {
	// Export writes the module's data for req to w. Returning an error
	// wrapped with Permanent gives up on the module without retrying.
	Export(ctx context.Context, req ExportRequest, w io.Writer) error
}

// ModuleExporterFunc adapts a function to ModuleExporter.
type ModuleExporterFunc func(ctx context.Context, req ExportRequest, w io.Writer) error

// Export implements ModuleExporter.
func (f ModuleExporterFunc) Export(ctx context.Context, req ExportRequest, w io.Writer) error {
	return f(ctx, req, w)
}

// Registry maps module ids to their exporters.
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]ModuleExporter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exporters: make(map[string]ModuleExporter)}
}

// Register adds the exporter for moduleID, replacing any previous one.
func (r *Registry) Register(moduleID string, exporter ModuleExporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exporters[moduleID] = exporter
}

// Lookup returns the exporter for moduleID.
func (r *Registry) Lookup(moduleID string) (ModuleExporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exporters[moduleID]
	return e, ok
}

// Modules lists the registered module ids in order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.exporters))
	for id := range r.exporters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// permanentError marks a module failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Notifier tells users that their export finished.
type Notifier interface {
	NotifyExportFinished(ctx context.Context, task domain.Task) error
}

// LogNotifier is a Notifier that only logs. It stands in where delivery is
// handled elsewhere.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyExportFinished implements Notifier.
func (n LogNotifier) NotifyExportFinished(_ context.Context, task domain.Task) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("export finished",
		slog.String("task_id", task.ID.String()),
		slog.Int("tenant", task.Tenant),
		slog.Int("user", task.User),
		slog.String("status", task.Status.String()))
	return nil
}

// unknownModule is the failure recorded for modules nobody can export.
func unknownModule(moduleID string) error {
	return Permanent(fmt.Errorf("no exporter registered for module %q", moduleID))
}
