package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

// GetTask loads a task with its work items and result files.
func (s *ExportStore[S]) GetTask(ctx context.Context, ref S, taskID uuid.UUID) (*domain.Task, bool, error) {
	var (
		task  *domain.Task
		found bool
	)
	err := s.read(ctx, ref, "get", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		task, found, err = loadTask(ctx, q, t, "id = $1", taskID)
		return err
	})
	return task, found, err
}

// FindTask loads the task of a user, if any.
func (s *ExportStore[S]) FindTask(ctx context.Context, ref S, tenant, user int) (*domain.Task, bool, error) {
	var (
		task  *domain.Task
		found bool
	)
	err := s.read(ctx, ref, "find", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		task, found, err = loadTask(ctx, q, t, "tenant = $1 AND user_id = $2", tenant, user)
		return err
	})
	return task, found, err
}

// ListTasks returns the tasks of a tenant, oldest first, without their
// work items and result files.
func (s *ExportStore[S]) ListTasks(ctx context.Context, ref S, tenant int) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.read(ctx, ref, "list", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		tasks, err = queryTasks(ctx, q,
			`SELECT `+taskColumns+` FROM `+t.task+` WHERE tenant = $1 ORDER BY created_at, seq`,
			tenant)
		return err
	})
	return tasks, err
}

// ExpiredTasks finds ABORTED tasks untouched for longer than expiration, and
// DONE or FAILED tasks that are either untouched for longer than maxTTL or
// still waiting for their notification. It changes nothing.
func (s *ExportStore[S]) ExpiredTasks(
	ctx context.Context,
	ref S,
	now time.Time,
	expiration, maxTTL time.Duration,
) (store.Expiry, error) {
	var expiry store.Expiry
	err := s.read(ctx, ref, "expired", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		expiry.Expired, err = queryTasks(ctx, q,
			`SELECT `+taskColumns+` FROM `+t.task+`
			WHERE status = 'ABORTED' AND COALESCE(ts, created_at) < $1
			ORDER BY COALESCE(ts, created_at)`,
			now.Add(-expiration).UnixMilli())
		if err != nil {
			return fmt.Errorf("expired aborted tasks: %w", err)
		}

		expiry.Notify, err = queryTasks(ctx, q,
			`SELECT `+taskColumns+` FROM `+t.task+`
			WHERE status IN ('DONE', 'FAILED')
			  AND (COALESCE(ts, created_at) < $1 OR NOT notification_sent)
			ORDER BY COALESCE(ts, created_at)`,
			now.Add(-maxTTL).UnixMilli())
		if err != nil {
			return fmt.Errorf("finished tasks: %w", err)
		}
		return nil
	})
	return expiry, err
}

// PendingNotifications returns the finished tasks whose owner has not been
// notified yet.
func (s *ExportStore[S]) PendingNotifications(ctx context.Context, ref S) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.read(ctx, ref, "pending_notifications", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		tasks, err = queryTasks(ctx, q,
			`SELECT `+taskColumns+` FROM `+t.task+`
			WHERE status IN ('DONE', 'FAILED') AND NOT notification_sent
			ORDER BY COALESCE(ts, created_at)`)
		return err
	})
	return tasks, err
}

// GetResultFiles returns the result files of a task in sequence order.
func (s *ExportStore[S]) GetResultFiles(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.ResultFile, error) {
	var files []domain.ResultFile
	err := s.read(ctx, ref, "get_result_files", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		files, err = loadResultFiles(ctx, q, t, taskID)
		return err
	})
	return files, err
}

// AddResultFile records a finalized output chunk. Sequence numbers are
// unique per task.
func (s *ExportStore[S]) AddResultFile(ctx context.Context, ref S, file domain.ResultFile) error {
	if file.Location == "" || file.Size < 0 || file.Seq < 0 {
		return fmt.Errorf("%w: result file %d of task %s", store.ErrInvalidEntity, file.Seq, file.TaskID)
	}
	return s.write(ctx, ref, "add_result_file", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+t.resultFile+` (task_id, seq, location, size) VALUES ($1, $2, $3, $4)`,
			file.TaskID, file.Seq, file.Location, file.Size)
		if isForeignKeyViolation(err) {
			// Deleted while its result was being packaged.
			return false, fmt.Errorf("%w: %s", store.ErrTaskNotFound, file.TaskID)
		}
		return err == nil, err
	})
}
