package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
)

// Expiry is the result of a retention scan over one shard.
type Expiry struct {
	// Expired holds ABORTED tasks past the expiration threshold.
	Expired []domain.Task
	// Notify holds DONE or FAILED tasks that are past the max time to live
	// or whose owner has not been notified yet.
	Notify []domain.Task
}

// ExportStore is the task and work-item store of the export queue. Every
// operation runs against the single shard named by ref, except ClaimNextJob
// which fans out over refs.
//
// Absence is never an error: lookups report it through a boolean, mutations
// report "nothing changed" through a false result.
type ExportStore[S any] interface {
	// CreateIfAbsent inserts the task and one PENDING work item per module.
	// It reports false when a task with the same id, or for the same
	// (tenant, user), already exists.
	CreateIfAbsent(ctx context.Context, ref S, task *domain.Task) (bool, error)

	// ClaimNextJob picks the most overdue claimable task over all refs and
	// moves it to RUNNING. The claimed task is returned fully loaded.
	ClaimNextJob(ctx context.Context, refs []S) (*domain.Task, S, bool, error)

	// ClaimNextWorkItem moves the next runnable work item of a task to RUNNING.
	ClaimNextWorkItem(ctx context.Context, ref S, taskID uuid.UUID) (*domain.WorkItem, bool, error)

	// Touch renews the lease of a RUNNING task. It reports false, without
	// changing anything, when the task is not RUNNING.
	Touch(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)

	MarkTaskPaused(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	MarkTaskDone(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	MarkTaskFailed(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	MarkTaskPending(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	// MarkAborted aborts a task. A task that never started is deleted.
	MarkAborted(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	CompareAndSetTaskStatus(ctx context.Context, ref S, taskID uuid.UUID, expected, target domain.Status) (bool, error)

	MarkWorkItemDone(ctx context.Context, ref S, taskID uuid.UUID, moduleID, location string) (bool, error)
	MarkWorkItemFailed(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, failure json.RawMessage) (bool, error)
	MarkWorkItemPaused(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error)
	MarkWorkItemPending(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error)
	CompareAndSetWorkItemStatus(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, expected, target domain.Status) (bool, error)

	// IncrementFailCount adds one to the work item's fail counter unless it
	// already reached maxFailCount, in which case it reports false.
	IncrementFailCount(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, maxFailCount int) (bool, error)

	// WriteSavepoint replaces the savepoint of a work item and the report
	// messages of its task in one transaction.
	WriteSavepoint(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, sp domain.Savepoint) error
	ReadSavepoint(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (domain.Savepoint, bool, error)
	ReadMessages(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.Message, error)

	SetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)
	UnsetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)

	ExpiredTasks(ctx context.Context, ref S, now time.Time, expiration, maxTTL time.Duration) (Expiry, error)
	PendingNotifications(ctx context.Context, ref S) ([]domain.Task, error)

	// DeleteTask removes the task with everything it owns, then deletes the
	// referenced blobs on a best-effort basis.
	DeleteTask(ctx context.Context, ref S, taskID uuid.UUID) (bool, error)

	GetTask(ctx context.Context, ref S, taskID uuid.UUID) (*domain.Task, bool, error)
	FindTask(ctx context.Context, ref S, tenant, user int) (*domain.Task, bool, error)
	ListTasks(ctx context.Context, ref S, tenant int) ([]domain.Task, error)

	GetResultFiles(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.ResultFile, error)
	AddResultFile(ctx context.Context, ref S, file domain.ResultFile) error
	// PurgeResultFiles drops the result files of a task and their blobs,
	// returning how many were removed.
	PurgeResultFiles(ctx context.Context, ref S, taskID uuid.UUID) (int, error)
}
