package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

// WriteSavepoint stores the savepoint bytes of a work item verbatim, moves
// its intermediate location when one is given, and replaces every report
// message of the task with sp.Messages. All of it commits together.
func (s *ExportStore[S]) WriteSavepoint(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
	sp domain.Savepoint,
) error {
	return s.write(ctx, ref, "write_savepoint", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE `+t.workItem+`
			SET savepoint = $3, location = COALESCE($4, location)
			WHERE task_id = $1 AND module_id = $2`,
			taskID, moduleID, nullBytes(sp.Data), nullString(sp.Location))
		if err != nil {
			return false, err
		}
		found, err := rowsAffected(result)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: task %s module %s", store.ErrWorkItemNotFound, taskID, moduleID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.report+` WHERE task_id = $1`, taskID); err != nil {
			return false, err
		}
		for _, m := range sp.Messages {
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			if m.ModuleID == "" {
				m.ModuleID = moduleID
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = s.now()
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+t.report+` (id, task_id, module_id, message, ts)
				VALUES ($1, $2, $3, $4, $5)`,
				m.ID, taskID, m.ModuleID, m.Text, m.Timestamp.UnixMilli())
			if err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// ReadSavepoint returns the stored savepoint of a work item together with
// the current report messages of its task.
func (s *ExportStore[S]) ReadSavepoint(
	ctx context.Context,
	ref S,
	taskID uuid.UUID,
	moduleID string,
) (domain.Savepoint, bool, error) {
	var (
		sp    domain.Savepoint
		found bool
	)
	err := s.read(ctx, ref, "read_savepoint", func(ctx context.Context, q store.DBTX, t tables) error {
		var (
			data     []byte
			location sql.NullString
		)
		err := q.QueryRowContext(ctx,
			`SELECT savepoint, location FROM `+t.workItem+` WHERE task_id = $1 AND module_id = $2`,
			taskID, moduleID).Scan(&data, &location)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if len(data) > 0 {
			sp.Data = data
		}
		if location.Valid {
			sp.Location = &location.String
		}

		sp.Messages, err = loadMessages(ctx, q, t, taskID)
		return err
	})
	if err != nil || !found {
		return domain.Savepoint{}, false, err
	}
	return sp, true, nil
}

// ReadMessages returns the report messages of a task, oldest first.
func (s *ExportStore[S]) ReadMessages(ctx context.Context, ref S, taskID uuid.UUID) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.read(ctx, ref, "read_messages", func(ctx context.Context, q store.DBTX, t tables) error {
		var err error
		messages, err = loadMessages(ctx, q, t, taskID)
		return err
	})
	return messages, err
}
