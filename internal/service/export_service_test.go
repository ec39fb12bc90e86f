package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/mocks"
	"github.com/phrazzld/export-queue/internal/platform/blob"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/phrazzld/export-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *mocks.MockExportStore[shard.TenantRef]
	router *shard.TenantRouter
	blobs  *blob.FS
	svc    *service.ExportService[shard.TenantRef]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	router, err := shard.NewTenantRouter("export_", 2)
	require.NoError(t, err)
	fs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	st := &mocks.MockExportStore[shard.TenantRef]{}
	svc, err := service.NewExportService[shard.TenantRef](router, st, blob.NewBuckets(fs), service.Config{
		ExpirationThreshold: time.Hour,
		MaxTimeToLive:       24 * time.Hour,
		MaxFailCount:        3,
		DefaultMaxFileSize:  1 << 20,
		Now:                 func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { st.AssertExpectations(t) })
	return &fixture{store: st, router: router, blobs: fs, svc: svc}
}

func args(modules ...string) domain.Arguments {
	a := domain.Arguments{HostInfo: domain.HostInfo{Host: "example.com"}}
	for _, m := range modules {
		a.Modules = append(a.Modules, domain.Module{ID: m})
	}
	return a
}

func existingTask(t *testing.T, tenant, user int, status domain.Status) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(tenant, user, 0, args("contacts"))
	require.NoError(t, err)
	task.Status = status
	return task
}

func TestNewExportService_Validation(t *testing.T) {
	router, err := shard.NewTenantRouter("export_", 1)
	require.NoError(t, err)
	st := &mocks.MockExportStore[shard.TenantRef]{}
	buckets := blob.NewBuckets(nil)

	_, err = service.NewExportService[shard.TenantRef](nil, st, buckets, service.Config{MaxFailCount: 1}, nil)
	assert.Error(t, err)
	_, err = service.NewExportService[shard.TenantRef](router, nil, buckets, service.Config{MaxFailCount: 1}, nil)
	assert.Error(t, err)
	_, err = service.NewExportService[shard.TenantRef](router, st, nil, service.Config{MaxFailCount: 1}, nil)
	assert.Error(t, err)
	_, err = service.NewExportService[shard.TenantRef](router, st, buckets, service.Config{}, nil)
	assert.Error(t, err)
}

func TestCreateIfAbsent(t *testing.T) {
	ctx := context.Background()

	t.Run("creates on the routed shard", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(3, 9)
		f.store.On("CreateIfAbsent", mock.Anything, ref, mock.MatchedBy(func(task *domain.Task) bool {
			return task.Tenant == 3 && task.User == 9 &&
				task.Arguments.MaxFileSize == 1<<20 &&
				task.CreatedAt.Equal(fixedNow) &&
				len(task.WorkItems) == 2
		})).Return(true, nil).Once()

		task, created, err := f.svc.CreateIfAbsent(ctx, 3, 9, args("contacts", "mail"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.StatusPending, task.Status)
	})

	t.Run("returns the existing export", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(3, 9)
		existing := existingTask(t, 3, 9, domain.StatusRunning)
		f.store.On("CreateIfAbsent", mock.Anything, ref, mock.Anything).Return(false, nil).Once()
		f.store.On("FindTask", mock.Anything, ref, 3, 9).Return(existing, true, nil).Once()

		task, created, err := f.svc.CreateIfAbsent(ctx, 3, 9, args("contacts"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing.ID, task.ID)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.CreateIfAbsent(ctx, 3, 9, args())
		assert.ErrorIs(t, err, domain.ErrNoModules)
	})
}

func TestRequestExport(t *testing.T) {
	ctx := context.Background()

	t.Run("running export blocks a new one", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		f.store.On("FindTask", mock.Anything, ref, 1, 1).
			Return(existingTask(t, 1, 1, domain.StatusPaused), true, nil).Once()

		_, err := f.svc.RequestExport(ctx, 1, 1, args("contacts"))
		assert.ErrorIs(t, err, service.ErrExportRunning)
	})

	t.Run("finished export is replaced", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		old := existingTask(t, 1, 1, domain.StatusDone)
		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(old, true, nil).Once()
		f.store.On("DeleteTask", mock.Anything, ref, old.ID).Return(true, nil).Once()
		f.store.On("CreateIfAbsent", mock.Anything, ref, mock.Anything).Return(true, nil).Once()

		task, err := f.svc.RequestExport(ctx, 1, 1, args("contacts"))
		require.NoError(t, err)
		assert.NotEqual(t, old.ID, task.ID)
	})

	t.Run("no previous export", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(nil, false, nil).Once()
		f.store.On("CreateIfAbsent", mock.Anything, ref, mock.Anything).Return(true, nil).Once()

		_, err := f.svc.RequestExport(ctx, 1, 1, args("contacts"))
		require.NoError(t, err)
	})

	t.Run("lost creation race", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(nil, false, nil).Once()
		f.store.On("CreateIfAbsent", mock.Anything, ref, mock.Anything).Return(false, nil).Once()

		_, err := f.svc.RequestExport(ctx, 1, 1, args("contacts"))
		assert.ErrorIs(t, err, service.ErrExportRunning)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(nil, false, store.ErrStorage).Once()

		_, err := f.svc.RequestExport(ctx, 1, 1, args("contacts"))
		assert.ErrorIs(t, err, store.ErrStorage)
		var serviceErr *service.ExportServiceError
		assert.ErrorAs(t, err, &serviceErr)
	})
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.router.Route(4, 2)

	task := existingTask(t, 4, 2, domain.StatusDone)
	task.WorkItems[0].Status = domain.StatusDone
	task.WorkItems[0].FailCount = 1
	task.ResultFiles = []domain.ResultFile{{TaskID: task.ID, Seq: 0, Size: 10}, {TaskID: task.ID, Seq: 1, Size: 5}}
	messages := []domain.Message{domain.NewMessage("contacts", "2 entries skipped")}

	f.store.On("FindTask", mock.Anything, ref, 4, 2).Return(task, true, nil).Once()
	f.store.On("ReadMessages", mock.Anything, ref, task.ID).Return(messages, nil).Once()

	status, err := f.svc.GetStatus(ctx, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status.Status)
	assert.Equal(t, 2, status.Files)
	assert.Equal(t, int64(15), status.TotalSize)
	require.Len(t, status.Modules, 1)
	assert.Equal(t, service.ModuleStatus{ModuleID: "contacts", Status: domain.StatusDone, FailCount: 1}, status.Modules[0])
	assert.Equal(t, messages, status.Messages)
}

func TestGetStatus_NoExport(t *testing.T) {
	f := newFixture(t)
	f.store.On("FindTask", mock.Anything, f.router.Route(4, 2), 4, 2).Return(nil, false, nil).Once()

	_, err := f.svc.GetStatus(context.Background(), 4, 2)
	assert.ErrorIs(t, err, service.ErrNoExport)
}

func TestListForTenant(t *testing.T) {
	f := newFixture(t)
	tasks := []domain.Task{*existingTask(t, 5, 1, domain.StatusPending)}
	f.store.On("ListTasks", mock.Anything, f.router.Route(5, 0), 5).Return(tasks, nil).Once()

	got, err := f.svc.ListForTenant(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, tasks, got)
}

func TestMarkAborted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.router.Route(1, 1)
	task := existingTask(t, 1, 1, domain.StatusRunning)
	f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(task, true, nil).Once()
	f.store.On("MarkAborted", mock.Anything, ref, task.ID).Return(true, nil).Once()

	aborted, err := f.svc.MarkAborted(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, aborted)

	f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(nil, false, nil).Once()
	_, err = f.svc.MarkAborted(ctx, 1, 1)
	assert.ErrorIs(t, err, service.ErrNoExport)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.router.Route(1, 1)

	f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(nil, false, nil).Once()
	deleted, err := f.svc.DeleteTask(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, deleted)

	task := existingTask(t, 1, 1, domain.StatusDone)
	f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(task, true, nil).Once()
	f.store.On("DeleteTask", mock.Anything, ref, task.ID).Return(true, nil).Once()
	deleted, err = f.svc.DeleteTask(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestResultFiles(t *testing.T) {
	ctx := context.Background()

	t.Run("unfinished export", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("FindTask", mock.Anything, f.router.Route(1, 1), 1, 1).
			Return(existingTask(t, 1, 1, domain.StatusRunning), true, nil).Twice()

		_, err := f.svc.GetResultFiles(ctx, 1, 1)
		assert.ErrorIs(t, err, service.ErrExportRunning)
		_, _, err = f.svc.OpenResultFile(ctx, 1, 1, 0)
		assert.ErrorIs(t, err, service.ErrExportRunning)
	})

	t.Run("download", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		task := existingTask(t, 1, 1, domain.StatusDone)
		location := blob.TaskLocation(task.ID, "export-0.zip")
		_, err := f.blobs.Put(ctx, location, strings.NewReader("zip bytes"))
		require.NoError(t, err)
		files := []domain.ResultFile{{TaskID: task.ID, Seq: 0, Location: location, Size: 9}}

		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(task, true, nil)
		f.store.On("GetResultFiles", mock.Anything, ref, task.ID).Return(files, nil)

		listed, err := f.svc.GetResultFiles(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, files, listed)

		r, file, err := f.svc.OpenResultFile(ctx, 1, 1, 0)
		require.NoError(t, err)
		defer func() { _ = r.Close() }()
		assert.Equal(t, int64(9), file.Size)
		body, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "zip bytes", string(body))

		_, _, err = f.svc.OpenResultFile(ctx, 1, 1, 7)
		assert.ErrorIs(t, err, service.ErrResultFileNotFound)
	})

	t.Run("missing blob", func(t *testing.T) {
		f := newFixture(t)
		ref := f.router.Route(1, 1)
		task := existingTask(t, 1, 1, domain.StatusDone)
		files := []domain.ResultFile{{TaskID: task.ID, Seq: 0, Location: blob.TaskLocation(task.ID, "gone.zip")}}
		f.store.On("FindTask", mock.Anything, ref, 1, 1).Return(task, true, nil).Once()
		f.store.On("GetResultFiles", mock.Anything, ref, task.ID).Return(files, nil).Once()

		_, _, err := f.svc.OpenResultFile(ctx, 1, 1, 0)
		assert.ErrorIs(t, err, service.ErrResultFileNotFound)
	})

	t.Run("failed export has no files to download", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("FindTask", mock.Anything, f.router.Route(1, 1), 1, 1).
			Return(existingTask(t, 1, 1, domain.StatusFailed), true, nil).Once()

		_, _, err := f.svc.OpenResultFile(ctx, 1, 1, 0)
		assert.ErrorIs(t, err, service.ErrResultFileNotFound)
	})
}

func TestEngineOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	refs := f.router.Refs()
	task := existingTask(t, 1, 1, domain.StatusRunning)
	ref := refs[1]

	f.store.On("ClaimNextJob", mock.Anything, refs).Return(task, ref, true, nil).Once()
	j, ok, err := f.svc.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref, j.Ref())
	assert.Equal(t, task.ID, j.ID())

	f.store.On("IncrementFailCount", mock.Anything, ref, task.ID, "contacts", 3).Return(true, nil).Once()
	accepted, err := f.svc.IncrementFailCount(ctx, j, "contacts")
	require.NoError(t, err)
	assert.True(t, accepted)

	f.store.On("MarkWorkItemFailed", mock.Anything, ref, task.ID, "contacts", mock.MatchedBy(func(doc json.RawMessage) bool {
		failure, present, err := domain.DecodeFailure(doc)
		return err == nil && present && failure.Message == "quota exceeded"
	})).Return(true, nil).Once()
	marked, err := f.svc.MarkWorkItemFailed(ctx, j, "contacts", domain.Failure{Message: "quota exceeded"})
	require.NoError(t, err)
	assert.True(t, marked)

	location, size, err := f.svc.PutBlob(ctx, j, "contacts.vcf", strings.NewReader("BEGIN:VCARD"))
	require.NoError(t, err)
	assert.Equal(t, blob.TaskLocation(task.ID, "contacts.vcf"), location)
	assert.Equal(t, int64(11), size)

	r, err := f.svc.GetBlob(ctx, j, location)
	require.NoError(t, err)
	_ = r.Close()

	f.svc.DeleteBlob(ctx, j, location)
	_, err = f.svc.GetBlob(ctx, j, location)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	f.store.On("AddResultFile", mock.Anything, ref, domain.ResultFile{TaskID: task.ID, Seq: 2, Location: "x", Size: 1}).
		Return(nil).Once()
	require.NoError(t, f.svc.AddResultFile(ctx, j, domain.ResultFile{Seq: 2, Location: "x", Size: 1}))
}

func TestClaimNextJob_Empty(t *testing.T) {
	f := newFixture(t)
	f.store.On("ClaimNextJob", mock.Anything, f.router.Refs()).Return(nil, shard.TenantRef{}, false, nil).Once()

	j, ok, err := f.svc.ClaimNextJob(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, j)
}

func TestClaimNextJob_Error(t *testing.T) {
	f := newFixture(t)
	f.store.On("ClaimNextJob", mock.Anything, f.router.Refs()).
		Return(nil, shard.TenantRef{}, false, errors.Join(store.ErrStorage, errors.New("boom"))).Once()

	_, _, err := f.svc.ClaimNextJob(context.Background())
	assert.ErrorIs(t, err, store.ErrStorage)
}
