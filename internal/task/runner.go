package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/job"
	"github.com/phrazzld/export-queue/internal/service"
)

// Engine is the part of the export service the runner drives.
type Engine[S any] interface {
	BlobAccess[S]

	ClaimNextJob(ctx context.Context) (*job.Job[S], bool, error)
	Reload(ctx context.Context, j *job.Job[S]) (*domain.Task, bool, error)
	Touch(ctx context.Context, j *job.Job[S]) (bool, error)

	MarkWorkItemDone(ctx context.Context, j *job.Job[S], moduleID, location string) (bool, error)
	MarkWorkItemPaused(ctx context.Context, j *job.Job[S], moduleID string) (bool, error)
	MarkWorkItemFailed(ctx context.Context, j *job.Job[S], moduleID string, failure domain.Failure) (bool, error)
	MarkWorkItemPending(ctx context.Context, j *job.Job[S], moduleID string) (bool, error)
	IncrementFailCount(ctx context.Context, j *job.Job[S], moduleID string) (bool, error)
	WriteSavepoint(ctx context.Context, j *job.Job[S], moduleID string, sp domain.Savepoint) error
	ReadSavepoint(ctx context.Context, j *job.Job[S], moduleID string) (domain.Savepoint, bool, error)

	MarkTaskDone(ctx context.Context, j *job.Job[S]) (bool, error)
	MarkTaskFailed(ctx context.Context, j *job.Job[S]) (bool, error)
	MarkTaskPaused(ctx context.Context, j *job.Job[S]) (bool, error)
	AddResultFile(ctx context.Context, j *job.Job[S], file domain.ResultFile) error
	PurgeResultFiles(ctx context.Context, j *job.Job[S]) (int, error)
	DeleteBlob(ctx context.Context, j *job.Job[S], location string)

	Sweep(ctx context.Context) (service.SweepResult[S], error)
	SetNotificationSent(ctx context.Context, n service.Notification[S]) (bool, error)
	UnsetNotificationSent(ctx context.Context, n service.Notification[S]) (bool, error)
}

// RunnerConfig holds configuration for the export runner.
type RunnerConfig struct {
	// WorkerCount determines how many exports run concurrently.
	WorkerCount int

	// PollInterval is how long an idle worker waits before looking for work
	// again.
	PollInterval time.Duration

	// HeartbeatInterval is how often a running export renews its lease. It
	// must stay well below the store's expiration threshold.
	HeartbeatInterval time.Duration

	// SweepInterval is how often retention runs and notifications go out.
	// Zero disables the sweep monitor.
	SweepInterval time.Duration

	// ShutdownGrace bounds the bookkeeping done for interrupted exports
	// while stopping.
	ShutdownGrace time.Duration

	// TempDir holds result chunks while they are assembled. Empty means the
	// system default.
	TempDir string
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:       2,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: time.Minute,
		SweepInterval:     15 * time.Minute,
		ShutdownGrace:     10 * time.Second,
	}
}

// errLeaseLost cancels a job whose task left RUNNING under the worker.
var errLeaseLost = errors.New("export task is no longer running")

// Runner polls the export queue and runs claimed exports.
type Runner[S any] struct {
	engine   Engine[S]
	modules  *Registry
	notifier Notifier
	config   RunnerConfig
	logger   *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewRunner creates a runner. A nil notifier only logs finished exports.
func NewRunner[S any](
	engine Engine[S],
	modules *Registry,
	notifier Notifier,
	config RunnerConfig,
	logger *slog.Logger,
) *Runner[S] {
	defaults := DefaultRunnerConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaults.ShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "export_runner"))
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner[S]{
		engine:     engine,
		modules:    modules,
		notifier:   notifier,
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the workers and the sweep monitor.
func (r *Runner[S]) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.config.WorkerCount; i++ {
			r.wg.Add(1)
			go r.worker(i)
		}
		if r.config.SweepInterval > 0 {
			r.wg.Add(1)
			go r.sweepMonitor()
		}
		r.logger.Info("export runner started",
			slog.Int("workers", r.config.WorkerCount),
			slog.Duration("poll_interval", r.config.PollInterval))
	})
}

// Stop cancels running exports, which are paused for another worker to
// resume, and waits for every goroutine to finish.
func (r *Runner[S]) Stop() {
	r.stopOnce.Do(func() {
		r.cancelFunc()
		r.wg.Wait()
		r.logger.Info("export runner stopped")
	})
}

// worker claims and runs exports until the runner stops.
func (r *Runner[S]) worker(id int) {
	defer r.wg.Done()
	logger := r.logger.With(slog.Int("worker_id", id))
	logger.Debug("starting worker")

	for {
		if r.ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}

		ran, err := r.RunOnce(r.ctx, id)
		if err != nil && r.ctx.Err() == nil {
			logger.Error("export run failed", slog.String("error", err.Error()))
		}
		// A failed run waits out the poll interval so a storage outage does
		// not turn into a claim loop.
		if ran && err == nil {
			continue
		}

		select {
		case <-r.ctx.Done():
			logger.Debug("stopping worker")
			return
		case <-time.After(r.config.PollInterval):
		}
	}
}

// RunOnce claims one export and runs it to completion, interruption or lease
// loss. It reports whether an export was claimed. A storage failure while
// running pauses the export and is returned.
func (r *Runner[S]) RunOnce(ctx context.Context, workerID int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	j, ok, err := r.engine.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim export: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, r.runJob(ctx, j, workerID)
}

func (r *Runner[S]) runJob(ctx context.Context, j *job.Job[S], workerID int) error {
	logger := r.logger.With(
		slog.String("task_id", j.ID().String()),
		slog.Int("worker_id", workerID),
	)
	logger.Info("running export", slog.Int("modules", len(j.Task().WorkItems)))

	jobCtx, cancel := context.WithCancelCause(ctx)
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		r.heartbeat(jobCtx, cancel, j, logger)
	}()
	defer func() {
		cancel(nil)
		heartbeat.Wait()
	}()

	for {
		item, ok, err := j.ClaimNextWorkItem(jobCtx)
		if err != nil {
			if r.interrupted(jobCtx, j, nil, logger) {
				return nil
			}
			r.pause(j, nil, logger)
			return fmt.Errorf("claim work item of %s: %w", j.ID(), err)
		}
		if !ok {
			break
		}

		err = r.runWorkItem(jobCtx, j, item, logger)
		if r.interrupted(jobCtx, j, item, logger) {
			return nil
		}
		if err != nil {
			r.pause(j, item, logger)
			return fmt.Errorf("record module %s of %s: %w", item.ModuleID, j.ID(), err)
		}
	}

	if err := r.finish(jobCtx, j, logger); err != nil {
		if r.interrupted(jobCtx, j, nil, logger) {
			return nil
		}
		r.pause(j, nil, logger)
		return fmt.Errorf("finish %s: %w", j.ID(), err)
	}
	return nil
}

// heartbeat renews the lease until ctx ends and cancels the job once the
// task left RUNNING.
func (r *Runner[S]) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, j *job.Job[S], logger *slog.Logger) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touched, err := r.engine.Touch(ctx, j)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to renew export lease", slog.String("error", err.Error()))
				}
				continue
			}
			if !touched {
				logger.Info("export left RUNNING, stopping")
				cancel(errLeaseLost)
				return
			}
		}
	}
}

// interrupted reports whether the job must stop. A stopping runner pauses
// the job so another worker resumes it.
func (r *Runner[S]) interrupted(ctx context.Context, j *job.Job[S], item *domain.WorkItem, logger *slog.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(context.Cause(ctx), errLeaseLost) {
		return true
	}
	r.pause(j, item, logger)
	return true
}

func (r *Runner[S]) pause(j *job.Job[S], item *domain.WorkItem, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ShutdownGrace)
	defer cancel()

	if item != nil {
		if _, err := r.engine.MarkWorkItemPaused(ctx, j, item.ModuleID); err != nil {
			logger.Error("failed to pause work item",
				slog.String("module_id", item.ModuleID),
				slog.String("error", err.Error()))
		}
	}
	if _, err := r.engine.MarkTaskPaused(ctx, j); err != nil {
		logger.Error("failed to pause export", slog.String("error", err.Error()))
		return
	}
	logger.Info("export paused")
}

// runWorkItem exports one module and records the outcome. Module failures
// are recorded on the item; the returned error means the outcome itself
// could not be stored.
func (r *Runner[S]) runWorkItem(ctx context.Context, j *job.Job[S], item *domain.WorkItem, logger *slog.Logger) error {
	logger = logger.With(slog.String("module_id", item.ModuleID))

	location, superseded, err := r.exportModule(ctx, j, item)
	if ctx.Err() != nil {
		// Paused or abandoned by the caller.
		return nil
	}
	if err == nil {
		if _, err := r.engine.MarkWorkItemDone(ctx, j, item.ModuleID, location); err != nil {
			if location != superseded {
				r.engine.DeleteBlob(ctx, j, location)
			}
			return fmt.Errorf("mark work item done: %w", err)
		}
		if superseded != "" && superseded != location {
			r.engine.DeleteBlob(ctx, j, superseded)
		}
		logger.Debug("module exported", slog.String("location", location))
		return nil
	}

	logger.Warn("module export failed", slog.String("error", err.Error()))
	if !IsPermanent(err) {
		retry, incErr := r.engine.IncrementFailCount(ctx, j, item.ModuleID)
		if incErr != nil {
			return fmt.Errorf("count module failure: %w", incErr)
		}
		if retry {
			if _, err := r.engine.MarkWorkItemPending(ctx, j, item.ModuleID); err != nil {
				return fmt.Errorf("requeue work item: %w", err)
			}
			return nil
		}
		err = fmt.Errorf("retries exhausted: %w", err)
	}

	failure := domain.Failure{Message: err.Error()}
	if IsPermanent(err) {
		failure.Code = "PERMANENT"
	} else {
		failure.Code = "RETRIES_EXHAUSTED"
	}
	if _, err := r.engine.MarkWorkItemFailed(ctx, j, item.ModuleID, failure); err != nil {
		return fmt.Errorf("mark work item failed: %w", err)
	}
	return nil
}

// exportModule runs the module's exporter on top of the output its last
// checkpoint committed. It returns the location of the complete output and
// the checkpointed blob that location supersedes.
func (r *Runner[S]) exportModule(ctx context.Context, j *job.Job[S], item *domain.WorkItem) (string, string, error) {
	exporter, ok := r.modules.Lookup(item.ModuleID)
	if !ok {
		return "", "", unknownModule(item.ModuleID)
	}
	module := domain.Module{ID: item.ModuleID}
	for _, m := range j.Task().Arguments.Modules {
		if m.ID == item.ModuleID {
			module = m
		}
	}
	sp, _, err := r.engine.ReadSavepoint(ctx, j, item.ModuleID)
	if err != nil {
		return "", "", err
	}

	// Without savepoint data the module starts over, so earlier output is
	// not carried forward.
	committed := ""
	if len(sp.Data) > 0 && sp.Location != nil {
		committed = *sp.Location
	}
	out, err := newModuleOutput(r.engine, j, item.ModuleID, committed, r.config.TempDir)
	if err != nil {
		return "", "", err
	}
	defer out.close()

	req := ExportRequest{
		Task:       j.Task(),
		Module:     module,
		Savepoint:  sp,
		Checkpoint: out.checkpoint,
	}
	if err := exporter.Export(ctx, req, out); err != nil {
		return "", "", err
	}
	return out.complete(ctx)
}

// finish packages the exported modules and closes the task.
func (r *Runner[S]) finish(ctx context.Context, j *job.Job[S], logger *slog.Logger) error {
	task, found, err := r.engine.Reload(ctx, j)
	if err != nil {
		return fmt.Errorf("reload export: %w", err)
	}
	if !found || task.Status != domain.StatusRunning {
		logger.Info("export no longer running, not finishing")
		return nil
	}

	var failed []string
	for _, w := range task.WorkItems {
		if w.Status == domain.StatusFailed {
			failed = append(failed, w.ModuleID)
		}
	}
	if len(failed) > 0 {
		if _, err := r.engine.MarkTaskFailed(ctx, j); err != nil {
			return fmt.Errorf("mark export failed: %w", err)
		}
		logger.Warn("export failed", slog.Any("failed_modules", failed))
		return nil
	}

	if _, err := r.engine.PurgeResultFiles(ctx, j); err != nil {
		return fmt.Errorf("purge stale result files: %w", err)
	}
	files, err := newPackager[S](r.engine, j, task.Arguments.MaxFileSize, r.config.TempDir).Package(ctx, task.WorkItems)
	if err != nil {
		return fmt.Errorf("package export: %w", err)
	}
	for _, f := range files {
		if err := r.engine.AddResultFile(ctx, j, f); err != nil {
			return fmt.Errorf("record result file %d: %w", f.Seq, err)
		}
	}

	done, err := r.engine.MarkTaskDone(ctx, j)
	if err != nil {
		return fmt.Errorf("mark export done: %w", err)
	}
	if !done {
		logger.Info("export changed state while finishing")
		return nil
	}
	for _, w := range task.WorkItems {
		if w.Location != nil {
			r.engine.DeleteBlob(ctx, j, *w.Location)
		}
	}
	logger.Info("export done",
		slog.Int("result_files", len(files)),
		slog.Int64("total_size", domain.TotalSize(files)))
	return nil
}

// sweepMonitor periodically applies retention and sends notifications.
func (r *Runner[S]) sweepMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(r.ctx)
		}
	}
}

// SweepOnce runs one retention sweep and notifies the owners of finished
// exports. The flag is set before delivery so concurrent sweeps notify once;
// it is cleared again when delivery fails.
func (r *Runner[S]) SweepOnce(ctx context.Context) {
	result, err := r.engine.Sweep(ctx)
	if err != nil {
		r.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}

	for _, n := range result.Notify {
		claimed, err := r.engine.SetNotificationSent(ctx, n)
		if err != nil {
			r.logger.Error("failed to flag notification",
				slog.String("task_id", n.Task.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			continue
		}
		if err := r.notifier.NotifyExportFinished(ctx, n.Task); err != nil {
			r.logger.Warn("failed to notify export owner",
				slog.String("task_id", n.Task.ID.String()),
				slog.String("error", err.Error()))
			if _, err := r.engine.UnsetNotificationSent(ctx, n); err != nil {
				r.logger.Error("failed to clear notification flag",
					slog.String("task_id", n.Task.ID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}
