package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/phrazzld/export-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive the read-then-CAS loops against go-sqlmock, so they run
// without a database. Every attempt is its own transaction on a fresh
// checkout.

const (
	selectTaskStatus     = `SELECT status, ts FROM "export_0"."export_task" WHERE id = \$1`
	updateTaskStatus     = `UPDATE "export_0"."export_task"\s+SET status = \$3`
	touchTask            = `UPDATE "export_0"."export_task"\s+SET duration = duration \+`
	selectWorkItemStatus = `SELECT status FROM "export_0"."export_work_item" WHERE task_id = \$1 AND module_id = \$2`
	updateWorkItemStatus = `UPDATE "export_0"."export_work_item"\s+SET status = \$4`
	selectFailCount      = `SELECT fail_count FROM "export_0"."export_work_item"`
	updateFailCount      = `UPDATE "export_0"."export_work_item" SET fail_count = fail_count \+ 1`
)

var casNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*ExportStore[shard.TenantRef], shard.TenantRef, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	router, err := shard.NewTenantRouter("export_", 1)
	require.NoError(t, err)

	s := NewExportStore[shard.TenantRef](shard.NewBroker(db), nil, Options{
		Now: func() time.Time { return casNow },
	})
	return s, router.Route(7, 1), mock
}

func taskRow(status string, ts any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"status", "ts"}).AddRow(status, ts)
}

func TestTransitionTaskRetriesLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()

	// Another worker touched the task between the read and the swap.
	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WithArgs(taskID).WillReturnRows(taskRow("RUNNING", int64(100)))
	mock.ExpectExec(updateTaskStatus).
		WithArgs(taskID, "RUNNING", "DONE", casNow.UnixMilli(), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WithArgs(taskID).WillReturnRows(taskRow("RUNNING", int64(150)))
	mock.ExpectExec(updateTaskStatus).
		WithArgs(taskID, "RUNNING", "DONE", casNow.UnixMilli(), int64(150)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done, err := s.MarkTaskDone(context.Background(), ref, taskID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTaskStopsAtGuardAfterLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("RUNNING", int64(100)))
	mock.ExpectExec(updateTaskStatus).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// The winner finished the task; a late failure must not overwrite DONE.
	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("DONE", int64(180)))
	mock.ExpectCommit()

	failed, err := s.MarkTaskFailed(context.Background(), ref, taskID)
	require.NoError(t, err)
	assert.False(t, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTaskUnknownTask(t *testing.T) {
	s, ref, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(sqlmock.NewRows([]string{"status", "ts"}))
	mock.ExpectCommit()

	paused, err := s.MarkTaskPaused(context.Background(), ref, uuid.New())
	require.NoError(t, err)
	assert.False(t, paused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTaskGivesUpUnderContention(t *testing.T) {
	s, ref, mock := newMockStore(t)

	for i := 0; i < maxCASAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("RUNNING", int64(100+i)))
		mock.ExpectExec(updateTaskStatus).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	paused, err := s.MarkTaskPaused(context.Background(), ref, uuid.New())
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.False(t, paused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionWorkItemRetriesLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()
	location := "exports/t/modules/mail"

	mock.ExpectBegin()
	mock.ExpectQuery(selectWorkItemStatus).WithArgs(taskID, "mail").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec(updateWorkItemStatus).
		WithArgs(taskID, "mail", "RUNNING", "DONE", location, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// Paused underneath by a stopping worker, then swapped from PAUSED.
	mock.ExpectBegin()
	mock.ExpectQuery(selectWorkItemStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PAUSED"))
	mock.ExpectExec(updateWorkItemStatus).
		WithArgs(taskID, "mail", "PAUSED", "DONE", location, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done, err := s.MarkWorkItemDone(context.Background(), ref, taskID, "mail", location)
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionWorkItemStopsAtGuard(t *testing.T) {
	s, ref, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectWorkItemStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec(updateWorkItemStatus).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(selectWorkItemStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
	mock.ExpectCommit()

	done, err := s.MarkWorkItemDone(context.Background(), ref, uuid.New(), "mail", "exports/t/modules/mail")
	require.NoError(t, err)
	assert.False(t, done, "a FAILED item is not flipped to DONE")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionWorkItemGivesUpUnderContention(t *testing.T) {
	s, ref, mock := newMockStore(t)

	for i := 0; i < maxCASAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(selectWorkItemStatus).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
		mock.ExpectExec(updateWorkItemStatus).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	_, err := s.MarkWorkItemPending(context.Background(), ref, uuid.New(), "mail")
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementFailCountRetriesLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(selectFailCount).WithArgs(taskID, "mail").
		WillReturnRows(sqlmock.NewRows([]string{"fail_count"}).AddRow(1))
	mock.ExpectExec(updateFailCount).WithArgs(taskID, "mail", 1).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(selectFailCount).
		WillReturnRows(sqlmock.NewRows([]string{"fail_count"}).AddRow(2))
	mock.ExpectExec(updateFailCount).WithArgs(taskID, "mail", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	accepted, err := s.IncrementFailCount(context.Background(), ref, taskID, "mail", 3)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementFailCountAtMaxAfterLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectFailCount).
		WillReturnRows(sqlmock.NewRows([]string{"fail_count"}).AddRow(2))
	mock.ExpectExec(updateFailCount).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// The concurrent increment used up the last retry.
	mock.ExpectBegin()
	mock.ExpectQuery(selectFailCount).
		WillReturnRows(sqlmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectCommit()

	accepted, err := s.IncrementFailCount(context.Background(), ref, uuid.New(), "mail", 3)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementFailCountGivesUpUnderContention(t *testing.T) {
	s, ref, mock := newMockStore(t)

	for i := 0; i < maxCASAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(selectFailCount).
			WillReturnRows(sqlmock.NewRows([]string{"fail_count"}).AddRow(0))
		mock.ExpectExec(updateFailCount).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	_, err := s.IncrementFailCount(context.Background(), ref, uuid.New(), "mail", 3)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchSkipsTaskNotRunning(t *testing.T) {
	for _, status := range []string{"PENDING", "PAUSED", "DONE", "FAILED", "ABORTED"} {
		t.Run(status, func(t *testing.T) {
			s, ref, mock := newMockStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow(status, int64(100)))
			mock.ExpectCommit()

			touched, err := s.Touch(context.Background(), ref, uuid.New())
			require.NoError(t, err)
			assert.False(t, touched)
			assert.NoError(t, mock.ExpectationsWereMet(), "no update is issued")
		})
	}
}

func TestTouchRetriesLostRace(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("RUNNING", int64(100)))
	mock.ExpectExec(touchTask).
		WithArgs(taskID, casNow.UnixMilli(), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("RUNNING", int64(120)))
	mock.ExpectExec(touchTask).
		WithArgs(taskID, casNow.UnixMilli(), int64(120)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	touched, err := s.Touch(context.Background(), ref, taskID)
	require.NoError(t, err)
	assert.True(t, touched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddResultFileForDeletedTask(t *testing.T) {
	s, ref, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "export_0"."export_result_file"`).
		WithArgs(taskID, 0, "exports/t/export-0.zip", int64(42)).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "export_result_file_task_id_fkey"})
	mock.ExpectRollback()

	err := s.AddResultFile(context.Background(), ref, domain.ResultFile{
		TaskID: taskID, Seq: 0, Location: "exports/t/export-0.zip", Size: 42,
	})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.True(t, store.IsNotFoundError(err))
	assert.NotErrorIs(t, err, store.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchLeaseLostDuringRace(t *testing.T) {
	s, ref, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("RUNNING", int64(100)))
	mock.ExpectExec(touchTask).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(selectTaskStatus).WillReturnRows(taskRow("ABORTED", int64(130)))
	mock.ExpectCommit()

	touched, err := s.Touch(context.Background(), ref, uuid.New())
	require.NoError(t, err)
	assert.False(t, touched)
	assert.NoError(t, mock.ExpectationsWereMet())
}
