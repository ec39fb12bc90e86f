package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

const taskColumns = `id, tenant, user_id, status, bucket, created_at, started_at,
	duration, ts, notification_sent, arguments`

const workItemColumns = `id, task_id, module_id, ordinal, status, savepoint,
	location, fail_count, failure_info`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		status    string
		createdAt int64
		startedAt sql.NullInt64
		duration  int64
		ts        sql.NullInt64
		arguments []byte
	)
	err := row.Scan(
		&t.ID,
		&t.Tenant,
		&t.User,
		&status,
		&t.Bucket,
		&createdAt,
		&startedAt,
		&duration,
		&ts,
		&t.NotificationSent,
		&arguments,
	)
	if err != nil {
		return domain.Task{}, err
	}

	if t.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Task{}, err
	}
	if t.Arguments, err = domain.DecodeArguments(arguments); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.StartedAt = fromNullMillis(startedAt)
	t.Duration = time.Duration(duration) * time.Millisecond
	t.Timestamp = fromNullMillis(ts)
	return t, nil
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w           domain.WorkItem
		status      string
		savepoint   []byte
		location    sql.NullString
		failureInfo []byte
	)
	err := row.Scan(
		&w.ID,
		&w.TaskID,
		&w.ModuleID,
		&w.Ordinal,
		&status,
		&savepoint,
		&location,
		&w.FailCount,
		&failureInfo,
	)
	if err != nil {
		return domain.WorkItem{}, err
	}

	if w.Status, err = domain.ParseStatus(status); err != nil {
		return domain.WorkItem{}, err
	}
	if len(savepoint) > 0 {
		w.Savepoint = savepoint
	}
	if location.Valid {
		w.Location = &location.String
	}
	if len(failureInfo) > 0 {
		w.FailureInfo = failureInfo
	}
	return w, nil
}

func queryTasks(ctx context.Context, q store.DBTX, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func loadWorkItems(ctx context.Context, q store.DBTX, t tables, taskID uuid.UUID) ([]domain.WorkItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM `+t.workItem+` WHERE task_id = $1 ORDER BY ordinal`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func loadResultFiles(ctx context.Context, q store.DBTX, t tables, taskID uuid.UUID) ([]domain.ResultFile, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT task_id, seq, location, size FROM `+t.resultFile+` WHERE task_id = $1 ORDER BY seq`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var files []domain.ResultFile
	for rows.Next() {
		var f domain.ResultFile
		if err := rows.Scan(&f.TaskID, &f.Seq, &f.Location, &f.Size); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func loadMessages(ctx context.Context, q store.DBTX, t tables, taskID uuid.UUID) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, module_id, ts, message FROM `+t.report+` WHERE task_id = $1 ORDER BY ts, id`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []domain.Message
	for rows.Next() {
		var (
			m  domain.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ModuleID, &ts, &m.Text); err != nil {
			return nil, err
		}
		m.Timestamp = fromMillis(ts)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// loadTask reads a task with its work items and result files.
func loadTask(ctx context.Context, q store.DBTX, t tables, where string, args ...any) (*domain.Task, bool, error) {
	task, err := scanTask(q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM `+t.task+` WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if task.WorkItems, err = loadWorkItems(ctx, q, t, task.ID); err != nil {
		return nil, false, err
	}
	if task.ResultFiles, err = loadResultFiles(ctx, q, t, task.ID); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}
