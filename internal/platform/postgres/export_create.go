package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/store"
)

// CreateIfAbsent inserts a PENDING task without timestamp and one PENDING
// work item per selected module. Work items missing from task are created
// from its arguments. A conflicting id or owner leaves the shard untouched
// and reports false.
func (s *ExportStore[S]) CreateIfAbsent(ctx context.Context, ref S, task *domain.Task) (bool, error) {
	if task == nil {
		return false, fmt.Errorf("%w: nil task", store.ErrInvalidEntity)
	}
	if err := task.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if len(task.WorkItems) == 0 {
		for _, m := range task.Arguments.Modules {
			task.WorkItems = append(task.WorkItems, domain.WorkItem{
				ID:       uuid.New(),
				TaskID:   task.ID,
				ModuleID: m.ID,
				Status:   domain.StatusPending,
			})
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	arguments, err := domain.EncodeArguments(task.Arguments)
	if err != nil {
		return false, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	var created bool
	err = s.write(ctx, ref, "create", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO `+t.task+` (id, tenant, user_id, status, bucket, created_at,
				duration, notification_sent, arguments)
			VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7)
			ON CONFLICT DO NOTHING`,
			task.ID,
			task.Tenant,
			task.User,
			string(domain.StatusPending),
			task.Bucket,
			task.CreatedAt.UnixMilli(),
			string(arguments),
		)
		if err != nil {
			return false, err
		}
		if created, err = rowsAffected(result); err != nil || !created {
			return false, err
		}

		for i := range task.WorkItems {
			w := &task.WorkItems[i]
			if w.ID == uuid.Nil {
				w.ID = uuid.New()
			}
			w.TaskID = task.ID
			w.Ordinal = i
			w.Status = domain.StatusPending
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+t.workItem+` (id, task_id, module_id, ordinal, status, fail_count)
				VALUES ($1, $2, $3, $4, $5, 0)`,
				w.ID, task.ID, w.ModuleID, w.Ordinal, string(domain.StatusPending),
			)
			if err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	if created {
		task.Status = domain.StatusPending
		task.Timestamp = nil
		logger.FromContext(ctx).Debug("export task created",
			slog.String("task_id", task.ID.String()),
			slog.String("shard", ref.String()),
			slog.Int("work_items", len(task.WorkItems)))
	}
	return created, nil
}
