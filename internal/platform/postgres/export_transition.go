package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/store"
)

// Statuses a named transition refuses to overwrite.
var (
	taskPausedGuard     = []domain.Status{domain.StatusDone, domain.StatusFailed, domain.StatusAborted}
	taskDoneGuard       = []domain.Status{domain.StatusFailed}
	taskFailedGuard     = []domain.Status{domain.StatusDone}
	taskAbortedGuard    = []domain.Status{domain.StatusDone, domain.StatusFailed}
	workItemDoneGuard   = []domain.Status{domain.StatusFailed}
	workItemFailedGuard = []domain.Status{domain.StatusDone}
	workItemPausedGuard = []domain.Status{domain.StatusDone, domain.StatusFailed}
)

// transitionTask moves a task to target unless its status already equals
// target or one of abortIf. The status is read, then swapped only if status
// and timestamp are unchanged; a lost race re-reads and decides again. It
// returns whether the task changed and the status it had before.
func (s *ExportStore[S]) transitionTask(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	target domain.Status,
	abortIf []domain.Status,
	op string,
) (bool, domain.Status, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			changed, retry bool
			prior          domain.Status
		)
		err := s.write(ctx, ref, op, func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
			var (
				status string
				ts     sql.NullInt64
			)
			err := tx.QueryRowContext(ctx,
				`SELECT status, ts FROM `+t.task+` WHERE id = $1`, taskID).Scan(&status, &ts)
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			prior = domain.Status(status)
			if prior == target || prior.In(abortIf...) {
				return false, nil
			}

			changed, err = casTaskStatus(ctx, tx, t, taskID, prior, target, ts, s.nowMillis())
			retry = !changed
			return changed, err
		})
		if err != nil {
			return false, prior, err
		}
		if !retry {
			if changed {
				logger.FromContext(ctx).Debug("export task transitioned",
					slog.String("task_id", taskID.String()),
					slog.String("from", prior.String()),
					slog.String("to", target.String()))
			}
			return changed, prior, nil
		}
	}
	return false, "", errTooManyAttempts(op)
}

// casTaskStatus swaps the status of a task whose status and timestamp still
// hold the observed values. Leaving RUNNING books the time since the last
// touch into the duration. The timestamp always moves forward.
func casTaskStatus(
	ctx context.Context,
	tx *sql.Tx,
	t tables,
	taskID uuid.UUID,
	from, to domain.Status,
	ts sql.NullInt64,
	now int64,
) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE `+t.task+`
		SET status = $3,
		    duration = duration + CASE
		        WHEN status = 'RUNNING' AND ts IS NOT NULL THEN GREATEST($4, ts + 1) - ts
		        ELSE 0 END,
		    ts = GREATEST($4, COALESCE(ts, 0) + 1)
		WHERE id = $1 AND status = $2 AND ts IS NOT DISTINCT FROM $5::BIGINT`,
		taskID, string(from), string(to), now, nullInt64(ts))
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// MarkTaskPaused pauses a task unless it already finished.
func (s *ExportStore[S]) MarkTaskPaused(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	changed, _, err := s.transitionTask(ctx, ref, taskID, domain.StatusPaused, taskPausedGuard, "mark_paused")
	return changed, err
}

// MarkTaskDone completes a task unless it already FAILED.
func (s *ExportStore[S]) MarkTaskDone(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	changed, _, err := s.transitionTask(ctx, ref, taskID, domain.StatusDone, taskDoneGuard, "mark_done")
	return changed, err
}

// MarkTaskFailed fails a task unless it is already DONE.
func (s *ExportStore[S]) MarkTaskFailed(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	changed, _, err := s.transitionTask(ctx, ref, taskID, domain.StatusFailed, taskFailedGuard, "mark_failed")
	return changed, err
}

// MarkTaskPending requeues a task whatever its status.
func (s *ExportStore[S]) MarkTaskPending(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	changed, _, err := s.transitionTask(ctx, ref, taskID, domain.StatusPending, nil, "mark_pending")
	return changed, err
}

// MarkAborted aborts a task unless it already finished. A task that was
// still PENDING has produced nothing worth keeping and is deleted outright.
func (s *ExportStore[S]) MarkAborted(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	changed, prior, err := s.transitionTask(ctx, ref, taskID, domain.StatusAborted, taskAbortedGuard, "mark_aborted")
	if err != nil || !changed {
		return changed, err
	}
	if prior == domain.StatusPending {
		if _, err := s.DeleteTask(ctx, ref, taskID); err != nil {
			return true, fmt.Errorf("delete task aborted before start: %w", err)
		}
	}
	return true, nil
}

// CompareAndSetTaskStatus moves a task from expected to target without any
// guard. It reports false when the task is not in the expected status.
func (s *ExportStore[S]) CompareAndSetTaskStatus(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	expected, target domain.Status,
) (bool, error) {
	if !expected.Valid() || !target.Valid() {
		return false, fmt.Errorf("%w: %w: %s -> %s", store.ErrInvalidEntity, domain.ErrInvalidStatus, expected, target)
	}

	var changed bool
	err := s.write(ctx, ref, "cas_status", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE `+t.task+`
			SET status = $3,
			    duration = duration + CASE
			        WHEN status = 'RUNNING' AND ts IS NOT NULL THEN GREATEST($4, ts + 1) - ts
			        ELSE 0 END,
			    ts = GREATEST($4, COALESCE(ts, 0) + 1)
			WHERE id = $1 AND status = $2`,
			taskID, string(expected), string(target), s.nowMillis())
		if err != nil {
			return false, err
		}
		changed, err = rowsAffected(result)
		return changed, err
	})
	return changed, err
}

// workItemUpdate carries the extra columns a work item transition writes.
type workItemUpdate struct {
	location    *string
	failureInfo json.RawMessage
}

// transitionWorkItem is transitionTask for work items, which carry no
// timestamp: the CAS is on the status alone.
func (s *ExportStore[S]) transitionWorkItem(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	target domain.Status,
	abortIf []domain.Status,
	extra workItemUpdate,
	op string,
) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var changed, retry bool
		err := s.write(ctx, ref, op, func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM `+t.workItem+` WHERE task_id = $1 AND module_id = $2`,
				taskID, moduleID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			prior := domain.Status(status)
			if prior == target || prior.In(abortIf...) {
				return false, nil
			}

			changed, err = casWorkItemStatus(ctx, tx, t, taskID, moduleID, prior, target, extra)
			retry = !changed
			return changed, err
		})
		if err != nil || !retry {
			return changed, err
		}
	}
	return false, errTooManyAttempts(op)
}

func casWorkItemStatus(
	ctx context.Context,
	tx *sql.Tx,
	t tables,
	taskID uuid.UUID,
	moduleID string,
	from, to domain.Status,
	extra workItemUpdate,
) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE `+t.workItem+`
		SET status = $4,
		    location = COALESCE($5, location),
		    failure_info = COALESCE($6::JSONB, failure_info)
		WHERE task_id = $1 AND module_id = $2 AND status = $3`,
		taskID, moduleID, string(from), string(to), nullString(extra.location), nullJSON(extra.failureInfo))
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// MarkWorkItemDone completes a work item and records where its output went,
// unless the item already FAILED.
func (s *ExportStore[S]) MarkWorkItemDone(ctx context.Context, ref S, taskID uuid.UUID, moduleID, location string) (bool, error) {
	extra := workItemUpdate{}
	if location != "" {
		extra.location = &location
	}
	return s.transitionWorkItem(ctx, ref, taskID, moduleID, domain.StatusDone, workItemDoneGuard, extra, "mark_work_item_done")
}

// MarkWorkItemFailed fails a work item with a failure document, unless the
// item is already DONE.
func (s *ExportStore[S]) MarkWorkItemFailed(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, failure json.RawMessage) (bool, error) {
	if len(failure) > 0 && !json.Valid(failure) {
		return false, domain.NewDocumentError("failure_info", errors.New("invalid JSON"))
	}
	extra := workItemUpdate{failureInfo: failure}
	return s.transitionWorkItem(ctx, ref, taskID, moduleID, domain.StatusFailed, workItemFailedGuard, extra, "mark_work_item_failed")
}

// MarkWorkItemPaused pauses a work item unless it already finished.
func (s *ExportStore[S]) MarkWorkItemPaused(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.transitionWorkItem(ctx, ref, taskID, moduleID, domain.StatusPaused, workItemPausedGuard, workItemUpdate{}, "mark_work_item_paused")
}

// MarkWorkItemPending requeues a work item whatever its status.
func (s *ExportStore[S]) MarkWorkItemPending(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.transitionWorkItem(ctx, ref, taskID, moduleID, domain.StatusPending, nil, workItemUpdate{}, "mark_work_item_pending")
}

// CompareAndSetWorkItemStatus moves a work item from expected to target
// without any guard.
func (s *ExportStore[S]) CompareAndSetWorkItemStatus(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	expected, target domain.Status,
) (bool, error) {
	if !expected.ValidForWorkItem() || !target.ValidForWorkItem() {
		return false, fmt.Errorf("%w: %w: %s -> %s", store.ErrInvalidEntity, domain.ErrInvalidStatus, expected, target)
	}

	var changed bool
	err := s.write(ctx, ref, "cas_work_item_status", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		var err error
		changed, err = casWorkItemStatus(ctx, tx, t, taskID, moduleID, expected, target, workItemUpdate{})
		return changed, err
	})
	return changed, err
}

// IncrementFailCount raises the fail counter of a work item by one unless it
// already reached maxFailCount.
func (s *ExportStore[S]) IncrementFailCount(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, maxFailCount int) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var accepted, retry bool
		err := s.write(ctx, ref, "increment_fail_count", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT fail_count FROM `+t.workItem+` WHERE task_id = $1 AND module_id = $2`,
				taskID, moduleID).Scan(&count)
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			if count >= maxFailCount {
				return false, nil
			}

			result, err := tx.ExecContext(ctx,
				`UPDATE `+t.workItem+` SET fail_count = fail_count + 1
				WHERE task_id = $1 AND module_id = $2 AND fail_count = $3`,
				taskID, moduleID, count)
			if err != nil {
				return false, err
			}
			accepted, err = rowsAffected(result)
			retry = !accepted
			return accepted, err
		})
		if err != nil || !retry {
			return accepted, err
		}
	}
	return false, errTooManyAttempts("increment_fail_count")
}

// SetNotificationSent flips the notification flag on. Already set is a no-op.
func (s *ExportStore[S]) SetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	return s.casNotification(ctx, ref, taskID, false, true, "set_notification_sent")
}

// UnsetNotificationSent flips the notification flag off. Already unset is a no-op.
func (s *ExportStore[S]) UnsetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	return s.casNotification(ctx, ref, taskID, true, false, "unset_notification_sent")
}

func (s *ExportStore[S]) casNotification(ctx context.Context, ref S, taskID uuid.UUID, from, to bool, op string) (bool, error) {
	var changed bool
	err := s.write(ctx, ref, op, func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE `+t.task+` SET notification_sent = $3
			WHERE id = $1 AND notification_sent = $2`,
			taskID, from, to)
		if err != nil {
			return false, err
		}
		changed, err = rowsAffected(result)
		return changed, err
	})
	return changed, err
}
