package mocks

import (
	"context"
	"io"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/stretchr/testify/mock"
)

// MockTaskManager is a testify mock of service.TaskManager.
type MockTaskManager struct {
	mock.Mock
}

var _ service.TaskManager = (*MockTaskManager)(nil)

func (m *MockTaskManager) CreateIfAbsent(
	ctx context.Context,
	tenant, user int,
	args domain.Arguments,
) (*domain.Task, bool, error) {
	ret := m.Called(ctx, tenant, user, args)
	task, _ := ret.Get(0).(*domain.Task)
	return task, ret.Bool(1), ret.Error(2)
}

func (m *MockTaskManager) RequestExport(
	ctx context.Context,
	tenant, user int,
	args domain.Arguments,
) (*domain.Task, error) {
	ret := m.Called(ctx, tenant, user, args)
	task, _ := ret.Get(0).(*domain.Task)
	return task, ret.Error(1)
}

func (m *MockTaskManager) GetStatus(ctx context.Context, tenant, user int) (*service.ExportStatus, error) {
	ret := m.Called(ctx, tenant, user)
	status, _ := ret.Get(0).(*service.ExportStatus)
	return status, ret.Error(1)
}

func (m *MockTaskManager) GetTask(ctx context.Context, tenant, user int) (*domain.Task, error) {
	ret := m.Called(ctx, tenant, user)
	task, _ := ret.Get(0).(*domain.Task)
	return task, ret.Error(1)
}

func (m *MockTaskManager) ListForTenant(ctx context.Context, tenant int) ([]domain.Task, error) {
	ret := m.Called(ctx, tenant)
	tasks, _ := ret.Get(0).([]domain.Task)
	return tasks, ret.Error(1)
}

func (m *MockTaskManager) MarkAborted(ctx context.Context, tenant, user int) (bool, error) {
	ret := m.Called(ctx, tenant, user)
	return ret.Bool(0), ret.Error(1)
}

func (m *MockTaskManager) DeleteTask(ctx context.Context, tenant, user int) (bool, error) {
	ret := m.Called(ctx, tenant, user)
	return ret.Bool(0), ret.Error(1)
}

func (m *MockTaskManager) GetResultFiles(ctx context.Context, tenant, user int) ([]domain.ResultFile, error) {
	ret := m.Called(ctx, tenant, user)
	files, _ := ret.Get(0).([]domain.ResultFile)
	return files, ret.Error(1)
}

func (m *MockTaskManager) OpenResultFile(
	ctx context.Context,
	tenant, user, seq int,
) (io.ReadCloser, domain.ResultFile, error) {
	ret := m.Called(ctx, tenant, user, seq)
	r, _ := ret.Get(0).(io.ReadCloser)
	file, _ := ret.Get(1).(domain.ResultFile)
	return r, file, ret.Error(2)
}
