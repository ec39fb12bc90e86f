package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockExportStore is a testify mock of store.ExportStore.
type MockExportStore[S any] struct {
	mock.Mock
}

var _ store.ExportStore[string] = (*MockExportStore[string])(nil)

func (m *MockExportStore[S]) CreateIfAbsent(ctx context.Context, ref S, task *domain.Task) (bool, error) {
	args := m.Called(ctx, ref, task)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) ClaimNextJob(ctx context.Context, refs []S) (*domain.Task, S, bool, error) {
	args := m.Called(ctx, refs)
	task, _ := args.Get(0).(*domain.Task)
	ref, _ := args.Get(1).(S)
	return task, ref, args.Bool(2), args.Error(3)
}

func (m *MockExportStore[S]) ClaimNextWorkItem(ctx context.Context, ref S, taskID uuid.UUID) (*domain.WorkItem, bool, error) {
	args := m.Called(ctx, ref, taskID)
	item, _ := args.Get(0).(*domain.WorkItem)
	return item, args.Bool(1), args.Error(2)
}

func (m *MockExportStore[S]) Touch(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkTaskPaused(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkTaskDone(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkTaskFailed(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkTaskPending(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkAborted(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) CompareAndSetTaskStatus(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	expected, target domain.Status,
) (bool, error) {
	args := m.Called(ctx, ref, taskID, expected, target)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkWorkItemDone(ctx context.Context, ref S, taskID uuid.UUID, moduleID, location string) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID, location)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkWorkItemFailed(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	failure json.RawMessage,
) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID, failure)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkWorkItemPaused(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) MarkWorkItemPending(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) CompareAndSetWorkItemStatus(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	expected, target domain.Status,
) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID, expected, target)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) IncrementFailCount(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	maxFailCount int,
) (bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID, maxFailCount)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) WriteSavepoint(ctx context.Context, ref S, taskID uuid.UUID, moduleID string, sp domain.Savepoint) error {
	args := m.Called(ctx, ref, taskID, moduleID, sp)
	return args.Error(0)
}

func (m *MockExportStore[S]) ReadSavepoint(ctx context.Context, ref S, taskID uuid.UUID, moduleID string) (domain.Savepoint, bool, error) {
	args := m.Called(ctx, ref, taskID, moduleID)
	sp, _ := args.Get(0).(domain.Savepoint)
	return sp, args.Bool(1), args.Error(2)
}

func (m *MockExportStore[S]) ReadMessages(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.Message, error) {
	args := m.Called(ctx, ref, taskID)
	messages, _ := args.Get(0).([]domain.Message)
	return messages, args.Error(1)
}

func (m *MockExportStore[S]) SetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) UnsetNotificationSent(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) ExpiredTasks(
	ctx context.Context,
	ref S,
	now time.Time,
	expiration, maxTTL time.Duration,
) (store.Expiry, error) {
	args := m.Called(ctx, ref, now, expiration, maxTTL)
	expiry, _ := args.Get(0).(store.Expiry)
	return expiry, args.Error(1)
}

func (m *MockExportStore[S]) PendingNotifications(ctx context.Context, ref S) ([]domain.Task, error) {
	args := m.Called(ctx, ref)
	tasks, _ := args.Get(0).([]domain.Task)
	return tasks, args.Error(1)
}

func (m *MockExportStore[S]) DeleteTask(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExportStore[S]) GetTask(ctx context.Context, ref S, taskID uuid.UUID) (*domain.Task, bool, error) {
	args := m.Called(ctx, ref, taskID)
	task, _ := args.Get(0).(*domain.Task)
	return task, args.Bool(1), args.Error(2)
}

func (m *MockExportStore[S]) FindTask(ctx context.Context, ref S, tenant, user int) (*domain.Task, bool, error) {
	args := m.Called(ctx, ref, tenant, user)
	task, _ := args.Get(0).(*domain.Task)
	return task, args.Bool(1), args.Error(2)
}

func (m *MockExportStore[S]) ListTasks(ctx context.Context, ref S, tenant int) ([]domain.Task, error) {
	args := m.Called(ctx, ref, tenant)
	tasks, _ := args.Get(0).([]domain.Task)
	return tasks, args.Error(1)
}

func (m *MockExportStore[S]) GetResultFiles(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.ResultFile, error) {
	args := m.Called(ctx, ref, taskID)
	files, _ := args.Get(0).([]domain.ResultFile)
	return files, args.Error(1)
}

func (m *MockExportStore[S]) AddResultFile(ctx context.Context, ref S, file domain.ResultFile) error {
	args := m.Called(ctx, ref, file)
	return args.Error(0)
}

func (m *MockExportStore[S]) PurgeResultFiles(ctx context.Context, ref S, taskID uuid.UUID) (int, error) {
	args := m.Called(ctx, ref, taskID)
	return args.Int(0), args.Error(1)
}
