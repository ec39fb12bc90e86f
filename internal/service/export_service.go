package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/platform/blob"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/phrazzld/export-queue/internal/store"
)

// Config holds the thresholds the export service applies.
type Config struct {
	// ExpirationThreshold is how long an ABORTED task is kept before a sweep
	// deletes it.
	ExpirationThreshold time.Duration
	// MaxTimeToLive is how long a finished and notified export is kept.
	MaxTimeToLive time.Duration
	// MaxFailCount is how often a work item may fail before it is given up.
	MaxFailCount int
	// DefaultMaxFileSize caps result chunks when a request names no size.
	DefaultMaxFileSize int64
	// Bucket is the blob bucket new tasks are stored in.
	Bucket int
	// Now overrides the clock.
	Now func() time.Time
}

// TaskManager is the user-facing side of the export service.
type TaskManager interface {
	// CreateIfAbsent creates an export unless the user already has one, in
	// which case the existing export is returned with false.
	CreateIfAbsent(ctx context.Context, tenant, user int, args domain.Arguments) (*domain.Task, bool, error)

	// RequestExport creates an export, replacing a finished one. It fails
	// with ErrExportRunning while a previous export is still in progress.
	RequestExport(ctx context.Context, tenant, user int, args domain.Arguments) (*domain.Task, error)

	// GetStatus summarizes the user's export.
	GetStatus(ctx context.Context, tenant, user int) (*ExportStatus, error)

	// GetTask returns the user's export with its work items and result files.
	GetTask(ctx context.Context, tenant, user int) (*domain.Task, error)

	// ListForTenant lists every export of a tenant.
	ListForTenant(ctx context.Context, tenant int) ([]domain.Task, error)

	// MarkAborted cancels the user's export. An export that never started
	// is deleted right away.
	MarkAborted(ctx context.Context, tenant, user int) (bool, error)

	// DeleteTask removes the user's export with all of its files.
	DeleteTask(ctx context.Context, tenant, user int) (bool, error)

	// GetResultFiles lists the result files of a finished export.
	GetResultFiles(ctx context.Context, tenant, user int) ([]domain.ResultFile, error)

	// OpenResultFile opens one result file for download.
	OpenResultFile(ctx context.Context, tenant, user, seq int) (io.ReadCloser, domain.ResultFile, error)
}

// ExportStatus is the user-facing summary of an export.
type ExportStatus struct {
	TaskID    uuid.UUID        `json:"task_id"`
	Status    domain.Status    `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Modules   []ModuleStatus   `json:"modules"`
	Messages  []domain.Message `json:"messages,omitempty"`
	Files     int              `json:"files"`
	TotalSize int64            `json:"total_size"`
}

// ModuleStatus is the progress of one module of an export.
type ModuleStatus struct {
	ModuleID  string        `json:"module_id"`
	Status    domain.Status `json:"status"`
	FailCount int           `json:"fail_count"`
}

// ExportService implements TaskManager and the engine-facing operations on
// top of a router, a store and blob buckets.
type ExportService[S shard.Ref] struct {
	router shard.Router[S]
	store  store.ExportStore[S]
	blobs  blob.Resolver
	cfg    Config
	logger *slog.Logger
}

var (
	_ TaskManager = (*ExportService[shard.TenantRef])(nil)
	_ TaskManager = (*ExportService[shard.GroupRef])(nil)
)

// NewExportService creates an export service.
func NewExportService[S shard.Ref](
	router shard.Router[S],
	st store.ExportStore[S],
	blobs blob.Resolver,
	cfg Config,
	logger *slog.Logger,
) (*ExportService[S], error) {
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob resolver cannot be nil")
	}
	if cfg.MaxFailCount <= 0 {
		return nil, fmt.Errorf("max fail count must be positive, got %d", cfg.MaxFailCount)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportService[S]{
		router: router,
		store:  st,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "export_service")),
	}, nil
}

// Refs lists every shard the service operates on.
func (s *ExportService[S]) Refs() []S {
	return s.router.Refs()
}

// find loads the user's export or fails with ErrNoExport.
func (s *ExportService[S]) find(ctx context.Context, tenant, user int) (*domain.Task, S, error) {
	ref := s.router.Route(tenant, user)
	task, found, err := s.store.FindTask(ctx, ref, tenant, user)
	if err != nil {
		return nil, ref, err
	}
	if !found {
		return nil, ref, ErrNoExport
	}
	return task, ref, nil
}

// CreateIfAbsent implements TaskManager.
func (s *ExportService[S]) CreateIfAbsent(
	ctx context.Context,
	tenant, user int,
	args domain.Arguments,
) (*domain.Task, bool, error) {
	task, ref, created, err := s.create(ctx, tenant, user, args)
	if err != nil {
		return nil, false, NewExportServiceError("create_export", err)
	}
	if created {
		return task, true, nil
	}

	existing, _, err := s.find(ctx, tenant, user)
	if err != nil {
		return nil, false, NewExportServiceError("create_export", err)
	}
	s.logger.Debug("export already exists",
		slog.String("task_id", existing.ID.String()),
		slog.String("shard", ref.String()))
	return existing, false, nil
}

func (s *ExportService[S]) create(
	ctx context.Context,
	tenant, user int,
	args domain.Arguments,
) (*domain.Task, S, bool, error) {
	if args.MaxFileSize == 0 {
		args.MaxFileSize = s.cfg.DefaultMaxFileSize
	}
	ref := s.router.Route(tenant, user)

	task, err := domain.NewTask(tenant, user, s.cfg.Bucket, args)
	if err != nil {
		return nil, ref, false, err
	}
	task.CreatedAt = s.cfg.Now().UTC().Truncate(time.Millisecond)

	created, err := s.store.CreateIfAbsent(ctx, ref, task)
	if err != nil {
		return nil, ref, false, err
	}
	if created {
		s.logger.Info("export created",
			slog.String("task_id", task.ID.String()),
			slog.Int("tenant", tenant),
			slog.Int("user", user),
			slog.Int("modules", len(task.WorkItems)),
			slog.String("shard", ref.String()))
	}
	return task, ref, created, nil
}

// RequestExport implements TaskManager.
func (s *ExportService[S]) RequestExport(
	ctx context.Context,
	tenant, user int,
	args domain.Arguments,
) (*domain.Task, error) {
	existing, ref, err := s.find(ctx, tenant, user)
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return nil, ErrExportRunning
		}
		if _, err := s.store.DeleteTask(ctx, ref, existing.ID); err != nil {
			return nil, NewExportServiceError("request_export", err)
		}
		s.logger.Info("replacing finished export",
			slog.String("task_id", existing.ID.String()),
			slog.String("status", existing.Status.String()))
	case !errors.Is(err, ErrNoExport):
		return nil, NewExportServiceError("request_export", err)
	}

	task, _, created, err := s.create(ctx, tenant, user, args)
	if err != nil {
		return nil, NewExportServiceError("request_export", err)
	}
	if !created {
		// Another request won the race.
		return nil, ErrExportRunning
	}
	return task, nil
}

// GetStatus implements TaskManager.
func (s *ExportService[S]) GetStatus(ctx context.Context, tenant, user int) (*ExportStatus, error) {
	task, ref, err := s.find(ctx, tenant, user)
	if err != nil {
		return nil, NewExportServiceError("get_status", err)
	}
	messages, err := s.store.ReadMessages(ctx, ref, task.ID)
	if err != nil {
		return nil, NewExportServiceError("get_status", err)
	}

	status := &ExportStatus{
		TaskID:    task.ID,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
		StartedAt: task.StartedAt,
		Duration:  task.Duration,
		Messages:  messages,
		Files:     len(task.ResultFiles),
		TotalSize: domain.TotalSize(task.ResultFiles),
	}
	for _, w := range task.WorkItems {
		status.Modules = append(status.Modules, ModuleStatus{
			ModuleID:  w.ModuleID,
			Status:    w.Status,
			FailCount: w.FailCount,
		})
	}
	return status, nil
}

// GetTask implements TaskManager.
func (s *ExportService[S]) GetTask(ctx context.Context, tenant, user int) (*domain.Task, error) {
	task, _, err := s.find(ctx, tenant, user)
	if err != nil {
		return nil, NewExportServiceError("get_task", err)
	}
	return task, nil
}

// ListForTenant implements TaskManager.
func (s *ExportService[S]) ListForTenant(ctx context.Context, tenant int) ([]domain.Task, error) {
	// Both routing strategies place all of a tenant's users on one shard.
	tasks, err := s.store.ListTasks(ctx, s.router.Route(tenant, 0), tenant)
	if err != nil {
		return nil, NewExportServiceError("list_exports", err)
	}
	return tasks, nil
}

// MarkAborted implements TaskManager.
func (s *ExportService[S]) MarkAborted(ctx context.Context, tenant, user int) (bool, error) {
	task, ref, err := s.find(ctx, tenant, user)
	if err != nil {
		return false, NewExportServiceError("abort_export", err)
	}
	aborted, err := s.store.MarkAborted(ctx, ref, task.ID)
	if err != nil {
		return false, NewExportServiceError("abort_export", err)
	}
	if aborted {
		s.logger.Info("export aborted",
			slog.String("task_id", task.ID.String()),
			slog.String("previous_status", task.Status.String()))
	}
	return aborted, nil
}

// DeleteTask implements TaskManager.
func (s *ExportService[S]) DeleteTask(ctx context.Context, tenant, user int) (bool, error) {
	task, ref, err := s.find(ctx, tenant, user)
	if errors.Is(err, ErrNoExport) {
		return false, nil
	}
	if err != nil {
		return false, NewExportServiceError("delete_export", err)
	}
	deleted, err := s.store.DeleteTask(ctx, ref, task.ID)
	if err != nil {
		return false, NewExportServiceError("delete_export", err)
	}
	return deleted, nil
}

// GetResultFiles implements TaskManager.
func (s *ExportService[S]) GetResultFiles(ctx context.Context, tenant, user int) ([]domain.ResultFile, error) {
	task, ref, err := s.find(ctx, tenant, user)
	if err != nil {
		return nil, NewExportServiceError("get_result_files", err)
	}
	if !task.Status.Terminal() {
		return nil, ErrExportRunning
	}
	files, err := s.store.GetResultFiles(ctx, ref, task.ID)
	if err != nil {
		return nil, NewExportServiceError("get_result_files", err)
	}
	return files, nil
}

// OpenResultFile implements TaskManager. The caller closes the reader.
func (s *ExportService[S]) OpenResultFile(
	ctx context.Context,
	tenant, user, seq int,
) (io.ReadCloser, domain.ResultFile, error) {
	task, ref, err := s.find(ctx, tenant, user)
	if err != nil {
		return nil, domain.ResultFile{}, NewExportServiceError("open_result_file", err)
	}
	if task.Status != domain.StatusDone {
		if !task.Status.Terminal() {
			return nil, domain.ResultFile{}, ErrExportRunning
		}
		return nil, domain.ResultFile{}, ErrResultFileNotFound
	}

	files, err := s.store.GetResultFiles(ctx, ref, task.ID)
	if err != nil {
		return nil, domain.ResultFile{}, NewExportServiceError("open_result_file", err)
	}
	for _, f := range files {
		if f.Seq != seq {
			continue
		}
		bucket, err := s.blobs.Bucket(task.Bucket)
		if err != nil {
			return nil, domain.ResultFile{}, NewExportServiceError("open_result_file", err)
		}
		r, err := bucket.Get(ctx, f.Location)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				s.logger.Error("result file blob is missing",
					slog.String("task_id", task.ID.String()),
					slog.String("location", f.Location))
				return nil, domain.ResultFile{}, ErrResultFileNotFound
			}
			return nil, domain.ResultFile{}, NewExportServiceError("open_result_file", err)
		}
		return r, f, nil
	}
	return nil, domain.ResultFile{}, ErrResultFileNotFound
}
