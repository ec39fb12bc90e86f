package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func finishedTask(t *testing.T, status domain.Status, sent bool, lastSeen time.Time) domain.Task {
	t.Helper()
	task := existingTask(t, 1, 1, status)
	task.NotificationSent = sent
	task.Timestamp = &lastSeen
	return *task
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	refs := f.router.Refs()

	expired := finishedTask(t, domain.StatusAborted, false, fixedNow.Add(-2*time.Hour))
	notified := finishedTask(t, domain.StatusDone, true, fixedNow.Add(-48*time.Hour))
	waiting := finishedTask(t, domain.StatusFailed, false, fixedNow.Add(-time.Minute))
	// Notified but still within the time to live.
	recent := finishedTask(t, domain.StatusDone, true, fixedNow.Add(-time.Hour))
	// Notification kept failing until the time to live ran out.
	undelivered := finishedTask(t, domain.StatusFailed, false, fixedNow.Add(-25*time.Hour))

	f.store.On("ExpiredTasks", mock.Anything, refs[0], fixedNow, time.Hour, 24*time.Hour).
		Return(store.Expiry{
			Expired: []domain.Task{expired},
			Notify:  []domain.Task{notified, waiting, recent, undelivered},
		}, nil).Once()
	f.store.On("ExpiredTasks", mock.Anything, refs[1], fixedNow, time.Hour, 24*time.Hour).
		Return(store.Expiry{}, store.ErrShardUnavailable).Once()
	f.store.On("DeleteTask", mock.Anything, refs[0], expired.ID).Return(true, nil).Once()
	f.store.On("DeleteTask", mock.Anything, refs[0], notified.ID).Return(true, nil).Once()
	f.store.On("DeleteTask", mock.Anything, refs[0], undelivered.ID).Return(true, nil).Once()

	result, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Deleted)
	require.Len(t, result.Notify, 1)
	assert.Equal(t, waiting.ID, result.Notify[0].Task.ID)
	assert.Equal(t, refs[0], result.Notify[0].Ref)
	assert.Equal(t, refs[1:], result.Skipped)
}

func TestSweep_ContinuesAfterShardError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	refs := f.router.Refs()

	expired := finishedTask(t, domain.StatusAborted, false, fixedNow.Add(-2*time.Hour))
	f.store.On("ExpiredTasks", mock.Anything, refs[0], mock.Anything, mock.Anything, mock.Anything).
		Return(store.Expiry{}, errors.Join(store.ErrStorage, errors.New("syntax error"))).Once()
	f.store.On("ExpiredTasks", mock.Anything, refs[1], mock.Anything, mock.Anything, mock.Anything).
		Return(store.Expiry{Expired: []domain.Task{expired}}, nil).Once()
	f.store.On("DeleteTask", mock.Anything, refs[1], expired.ID).Return(true, nil).Once()

	result, err := f.svc.Sweep(ctx)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Equal(t, 1, result.Deleted)
}

func TestSweep_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPendingNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	refs := f.router.Refs()

	task := finishedTask(t, domain.StatusDone, false, fixedNow)
	f.store.On("PendingNotifications", mock.Anything, refs[0]).Return(nil, store.ErrShardUnavailable).Once()
	f.store.On("PendingNotifications", mock.Anything, refs[1]).Return([]domain.Task{task}, nil).Once()

	pending, err := f.svc.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, refs[1], pending[0].Ref)

	f.store.On("SetNotificationSent", mock.Anything, refs[1], task.ID).Return(true, nil).Once()
	changed, err := f.svc.SetNotificationSent(ctx, pending[0])
	require.NoError(t, err)
	assert.True(t, changed)

	f.store.On("UnsetNotificationSent", mock.Anything, refs[1], task.ID).Return(true, nil).Once()
	changed, err = f.svc.UnsetNotificationSent(ctx, pending[0])
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPendingNotifications_Error(t *testing.T) {
	f := newFixture(t)
	refs := f.router.Refs()
	f.store.On("PendingNotifications", mock.Anything, refs[0]).Return(nil, store.ErrStorage).Once()

	_, err := f.svc.PendingNotifications(context.Background())
	assert.ErrorIs(t, err, store.ErrStorage)
	var serviceErr *service.ExportServiceError
	assert.ErrorAs(t, err, &serviceErr)
}
