package service

import (
	"context"
	"io"
	"log/slog"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/job"
	"github.com/phrazzld/export-queue/internal/platform/blob"
)

// Engine-facing operations. They act on a job obtained from ClaimNextJob and
// report "nothing changed" as false instead of an error, since racing
// workers hit those outcomes all the time.

// ClaimNextJob claims the most overdue export over all shards.
func (s *ExportService[S]) ClaimNextJob(ctx context.Context) (*job.Job[S], bool, error) {
	task, ref, ok, err := s.store.ClaimNextJob(ctx, s.router.Refs())
	if err != nil {
		return nil, false, NewExportServiceError("claim_next_job", err)
	}
	if !ok {
		return nil, false, nil
	}
	return job.New(task, ref, s.store), true, nil
}

// Reload fetches the current state of the job's task.
func (s *ExportService[S]) Reload(ctx context.Context, j *job.Job[S]) (*domain.Task, bool, error) {
	return s.store.GetTask(ctx, j.Ref(), j.ID())
}

// Touch renews the job's lease. False means the task left RUNNING and the
// worker should stop.
func (s *ExportService[S]) Touch(ctx context.Context, j *job.Job[S]) (bool, error) {
	return s.store.Touch(ctx, j.Ref(), j.ID())
}

func (s *ExportService[S]) MarkWorkItemDone(ctx context.Context, j *job.Job[S], moduleID, location string) (bool, error) {
	return s.store.MarkWorkItemDone(ctx, j.Ref(), j.ID(), moduleID, location)
}

func (s *ExportService[S]) MarkWorkItemPaused(ctx context.Context, j *job.Job[S], moduleID string) (bool, error) {
	return s.store.MarkWorkItemPaused(ctx, j.Ref(), j.ID(), moduleID)
}

// MarkWorkItemFailed gives up on a module and records why.
func (s *ExportService[S]) MarkWorkItemFailed(
	ctx context.Context,
	j *job.Job[S],
	moduleID string,
	failure domain.Failure,
) (bool, error) {
	doc, err := domain.EncodeFailure(failure)
	if err != nil {
		return false, err
	}
	return s.store.MarkWorkItemFailed(ctx, j.Ref(), j.ID(), moduleID, doc)
}

func (s *ExportService[S]) MarkWorkItemPending(ctx context.Context, j *job.Job[S], moduleID string) (bool, error) {
	return s.store.MarkWorkItemPending(ctx, j.Ref(), j.ID(), moduleID)
}

// IncrementFailCount records a failed attempt. False means the module used
// up its retries.
func (s *ExportService[S]) IncrementFailCount(ctx context.Context, j *job.Job[S], moduleID string) (bool, error) {
	return s.store.IncrementFailCount(ctx, j.Ref(), j.ID(), moduleID, s.cfg.MaxFailCount)
}

func (s *ExportService[S]) WriteSavepoint(ctx context.Context, j *job.Job[S], moduleID string, sp domain.Savepoint) error {
	return s.store.WriteSavepoint(ctx, j.Ref(), j.ID(), moduleID, sp)
}

func (s *ExportService[S]) ReadSavepoint(ctx context.Context, j *job.Job[S], moduleID string) (domain.Savepoint, bool, error) {
	return s.store.ReadSavepoint(ctx, j.Ref(), j.ID(), moduleID)
}

func (s *ExportService[S]) MarkTaskDone(ctx context.Context, j *job.Job[S]) (bool, error) {
	return s.store.MarkTaskDone(ctx, j.Ref(), j.ID())
}

func (s *ExportService[S]) MarkTaskFailed(ctx context.Context, j *job.Job[S]) (bool, error) {
	return s.store.MarkTaskFailed(ctx, j.Ref(), j.ID())
}

func (s *ExportService[S]) MarkTaskPaused(ctx context.Context, j *job.Job[S]) (bool, error) {
	return s.store.MarkTaskPaused(ctx, j.Ref(), j.ID())
}

func (s *ExportService[S]) AddResultFile(ctx context.Context, j *job.Job[S], file domain.ResultFile) error {
	file.TaskID = j.ID()
	return s.store.AddResultFile(ctx, j.Ref(), file)
}

// PurgeResultFiles drops result files left over from an interrupted run.
func (s *ExportService[S]) PurgeResultFiles(ctx context.Context, j *job.Job[S]) (int, error) {
	return s.store.PurgeResultFiles(ctx, j.Ref(), j.ID())
}

// PutBlob stores a file named name under the task's prefix in the task's
// bucket and returns its location and size.
func (s *ExportService[S]) PutBlob(ctx context.Context, j *job.Job[S], name string, r io.Reader) (string, int64, error) {
	bucket, err := s.blobs.Bucket(j.Task().Bucket)
	if err != nil {
		return "", 0, err
	}
	location := blob.TaskLocation(j.ID(), name)
	n, err := bucket.Put(ctx, location, r)
	if err != nil {
		return "", 0, err
	}
	return location, n, nil
}

// GetBlob opens a file of the task's bucket.
func (s *ExportService[S]) GetBlob(ctx context.Context, j *job.Job[S], location string) (io.ReadCloser, error) {
	bucket, err := s.blobs.Bucket(j.Task().Bucket)
	if err != nil {
		return nil, err
	}
	return bucket.Get(ctx, location)
}

// DeleteBlob removes a file of the task's bucket. Failures are logged only.
func (s *ExportService[S]) DeleteBlob(ctx context.Context, j *job.Job[S], location string) {
	bucket, err := s.blobs.Bucket(j.Task().Bucket)
	if err == nil {
		err = bucket.Delete(ctx, location)
	}
	if err != nil {
		s.logger.Warn("failed to delete blob",
			slog.String("task_id", j.ID().String()),
			slog.String("location", location),
			slog.String("error", err.Error()))
	}
}
