package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/platform/logger"
)

// DeleteTask removes a task, its work items, result files and report rows in
// one transaction. Once that committed, every blob the rows referenced is
// deleted; blob failures are logged and never returned, since the database
// decides whether the task exists.
func (s *ExportStore[S]) DeleteTask(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	var (
		deleted   bool
		bucket    int
		locations []string
	)
	err := s.write(ctx, ref, "delete", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT bucket FROM `+t.task+` WHERE id = $1 FOR UPDATE`, taskID).Scan(&bucket)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		itemLocations, err := deleteReturning(ctx, tx,
			`DELETE FROM `+t.workItem+` WHERE task_id = $1 RETURNING location`, taskID)
		if err != nil {
			return false, err
		}
		fileLocations, err := deleteReturning(ctx, tx,
			`DELETE FROM `+t.resultFile+` WHERE task_id = $1 RETURNING location`, taskID)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.report+` WHERE task_id = $1`, taskID); err != nil {
			return false, err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM `+t.task+` WHERE id = $1`, taskID)
		if err != nil {
			return false, err
		}
		if deleted, err = rowsAffected(result); err != nil {
			return false, err
		}

		locations = append(itemLocations, fileLocations...)
		return deleted, nil
	})
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	s.deleteBlobs(ctx, taskID, bucket, locations)
	logger.FromContext(ctx).Info("export task deleted",
		slog.String("task_id", taskID.String()),
		slog.String("shard", ref.String()),
		slog.Int("blobs", len(locations)))
	return true, nil
}

// PurgeResultFiles drops the result files of a task and then their blobs.
func (s *ExportStore[S]) PurgeResultFiles(ctx context.Context, ref S, taskID uuid.UUID) (int, error) {
	var (
		bucket    int
		locations []string
	)
	err := s.write(ctx, ref, "purge_result_files", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT bucket FROM `+t.task+` WHERE id = $1`, taskID).Scan(&bucket)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		locations, err = deleteReturning(ctx, tx,
			`DELETE FROM `+t.resultFile+` WHERE task_id = $1 RETURNING location`, taskID)
		return len(locations) > 0, err
	})
	if err != nil {
		return 0, err
	}

	s.deleteBlobs(ctx, taskID, bucket, locations)
	return len(locations), nil
}

// deleteReturning runs a DELETE ... RETURNING location and collects the
// non-null locations.
func deleteReturning(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var locations []string
	for rows.Next() {
		var location sql.NullString
		if err := rows.Scan(&location); err != nil {
			return nil, err
		}
		if location.Valid && location.String != "" {
			locations = append(locations, location.String)
		}
	}
	return locations, rows.Err()
}

// deleteBlobs removes blobs on a best-effort basis.
func (s *ExportStore[S]) deleteBlobs(ctx context.Context, taskID uuid.UUID, bucket int, locations []string) {
	if len(locations) == 0 || s.blobs == nil {
		return
	}
	log := logger.FromContext(ctx)

	blobs, err := s.blobs.Bucket(bucket)
	if err != nil {
		log.Warn("no blob store for deleted task, blobs left behind",
			slog.String("task_id", taskID.String()),
			slog.Int("bucket", bucket),
			slog.Int("blobs", len(locations)),
			slog.String("error", err.Error()))
		return
	}

	for _, location := range locations {
		if err := blobs.Delete(ctx, location); err != nil {
			log.Warn("failed to delete blob",
				slog.String("task_id", taskID.String()),
				slog.String("location", location),
				slog.String("error", err.Error()))
		}
	}
}
