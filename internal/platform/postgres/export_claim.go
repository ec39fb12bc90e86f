package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/store"
	"golang.org/x/sync/errgroup"
)

// candidate is a claimable task observed during a scan.
type candidate[S any] struct {
	ref       S
	shard     int
	id        uuid.UUID
	ts        sql.NullInt64
	createdAt int64
	seq       int64
}

// less orders candidates: never-started tasks first, then the oldest
// timestamp, then creation order.
func (c candidate[S]) less(o candidate[S]) bool {
	if c.ts.Valid != o.ts.Valid {
		return !c.ts.Valid
	}
	if c.ts.Valid && c.ts.Int64 != o.ts.Int64 {
		return c.ts.Int64 < o.ts.Int64
	}
	if c.createdAt != o.createdAt {
		return c.createdAt < o.createdAt
	}
	if c.shard != o.shard {
		return c.shard < o.shard
	}
	return c.seq < o.seq
}

// ClaimNextJob scans every shard for PENDING or PAUSED tasks and for RUNNING
// tasks whose lease expired, then claims the first candidate, in priority
// order, whose timestamp is still the one the scan observed. Unreachable
// shards are skipped.
func (s *ExportStore[S]) ClaimNextJob(ctx context.Context, refs []S) (*domain.Task, S, bool, error) {
	var zero S
	log := logger.FromContext(ctx)

	candidates, err := s.scanCandidates(ctx, refs)
	if err != nil {
		return nil, zero, false, err
	}

	for _, c := range candidates {
		claimed, err := s.claimTask(ctx, c)
		if store.IsShardUnavailable(err) {
			log.Warn("skipping unavailable shard during claim",
				slog.String("shard", c.ref.String()),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return nil, zero, false, err
		}
		if !claimed {
			continue
		}

		task, found, err := s.GetTask(ctx, c.ref, c.id)
		if err != nil {
			return nil, zero, false, err
		}
		if !found {
			// Deleted between the claim and the load.
			continue
		}
		log.Info("claimed export task",
			slog.String("task_id", task.ID.String()),
			slog.String("shard", c.ref.String()),
			slog.Int("candidates", len(candidates)))
		return task, c.ref, true, nil
	}

	return nil, zero, false, nil
}

func (s *ExportStore[S]) scanCandidates(ctx context.Context, refs []S) ([]candidate[S], error) {
	log := logger.FromContext(ctx)
	staleBefore := s.now().Add(-s.expirationThreshold).UnixMilli()
	perShard := make([][]candidate[S], len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanParallelism)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			found, err := s.scanShard(gctx, i, ref, staleBefore)
			if store.IsShardUnavailable(err) {
				log.Warn("skipping unavailable shard during scan",
					slog.String("shard", ref.String()),
					slog.String("error", err.Error()))
				return nil
			}
			if err != nil {
				return err
			}
			perShard[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []candidate[S]
	for _, found := range perShard {
		all = append(all, found...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].less(all[j]) })
	return all, nil
}

func (s *ExportStore[S]) scanShard(ctx context.Context, idx int, ref S, staleBefore int64) ([]candidate[S], error) {
	var found []candidate[S]
	err := s.read(ctx, ref, "scan", func(ctx context.Context, q store.DBTX, t tables) error {
		rows, err := q.QueryContext(ctx,
			`SELECT id, ts, created_at, seq FROM `+t.task+`
			WHERE status IN ('PENDING', 'PAUSED')
			   OR (status = 'RUNNING' AND ts < $1)`,
			staleBefore)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			c := candidate[S]{ref: ref, shard: idx}
			if err := rows.Scan(&c.id, &c.ts, &c.createdAt, &c.seq); err != nil {
				return err
			}
			found = append(found, c)
		}
		return rows.Err()
	})
	return found, err
}

// claimTask moves one candidate to RUNNING if its timestamp is unchanged
// since the scan.
func (s *ExportStore[S]) claimTask(ctx context.Context, c candidate[S]) (bool, error) {
	var claimed bool
	err := s.write(ctx, c.ref, "claim", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		now := s.nowMillis()
		var observed any
		if c.ts.Valid {
			observed = c.ts.Int64
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE `+t.task+`
			SET status = 'RUNNING',
			    started_at = $2,
			    ts = GREATEST($2, COALESCE(ts, 0) + 1)
			WHERE id = $1
			  AND ts IS NOT DISTINCT FROM $3::BIGINT
			  AND status IN ('PENDING', 'PAUSED', 'RUNNING')`,
			c.id, now, observed)
		if err != nil {
			return false, err
		}
		claimed, err = rowsAffected(result)
		return claimed, err
	})
	return claimed, err
}

// ClaimNextWorkItem claims the next work item of a task: RUNNING or PAUSED
// items first so in-flight modules finish before new ones start, then
// PENDING items, in module order within each tier.
func (s *ExportStore[S]) ClaimNextWorkItem(ctx context.Context, ref S, taskID uuid.UUID) (*domain.WorkItem, bool, error) {
	var claimed *domain.WorkItem
	err := s.write(ctx, ref, "claim_work_item", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
		type observed struct {
			moduleID string
			status   string
		}
		var items []observed

		rows, err := tx.QueryContext(ctx,
			`SELECT module_id, status FROM `+t.workItem+`
			WHERE task_id = $1 AND status IN ('RUNNING', 'PAUSED', 'PENDING')
			ORDER BY CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END, ordinal`,
			taskID)
		if err != nil {
			return false, err
		}
		for rows.Next() {
			var o observed
			if err := rows.Scan(&o.moduleID, &o.status); err != nil {
				_ = rows.Close()
				return false, err
			}
			items = append(items, o)
		}
		if err := rows.Close(); err != nil {
			return false, err
		}

		for _, o := range items {
			w, err := scanWorkItem(tx.QueryRowContext(ctx,
				`UPDATE `+t.workItem+` SET status = 'RUNNING'
				WHERE task_id = $1 AND module_id = $2 AND status = $3
				RETURNING `+workItemColumns,
				taskID, o.moduleID, o.status))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return false, err
			}
			claimed = &w
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, claimed != nil, nil
}

// Touch renews the lease of a RUNNING task: the timestamp moves to now (at
// least one millisecond forward) and the time since the previous touch is
// added to the task's duration.
func (s *ExportStore[S]) Touch(ctx context.Context, ref S, taskID uuid.UUID) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var touched, retry bool
		err := s.write(ctx, ref, "touch", func(ctx context.Context, tx *sql.Tx, t tables) (bool, error) {
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
			if domain.Status(status) != domain.StatusRunning {
				return false, nil
			}

			result, err := tx.ExecContext(ctx,
				`UPDATE `+t.task+`
				SET duration = duration + (GREATEST($2, COALESCE(ts, 0) + 1) - COALESCE(ts, $2)),
				    ts = GREATEST($2, COALESCE(ts, 0) + 1)
				WHERE id = $1 AND status = 'RUNNING' AND ts IS NOT DISTINCT FROM $3::BIGINT`,
				taskID, s.nowMillis(), nullInt64(ts))
			if err != nil {
				return false, err
			}
			touched, err = rowsAffected(result)
			retry = !touched
			return touched, err
		})
		if err != nil || !retry {
			return touched, err
		}
	}
	return false, errTooManyAttempts("touch")
}

func nullInt64(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}
