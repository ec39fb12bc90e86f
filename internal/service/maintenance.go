package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

// Notification is a finished export whose owner has not been told yet.
type Notification[S any] struct {
	Ref  S
	Task domain.Task
}

// SweepResult summarizes one retention sweep.
type SweepResult[S any] struct {
	// Deleted counts the exports removed.
	Deleted int
	// Notify lists finished exports still awaiting notification.
	Notify []Notification[S]
	// Skipped lists the shards that could not be reached.
	Skipped []S
}

// Sweep applies retention to every shard: ABORTED exports older than the
// expiration threshold are deleted, as are finished exports past the max time
// to live, notified or not. Younger finished exports awaiting notification
// are returned. Unreachable shards are skipped; other failures are collected
// and the sweep moves on to the next shard.
func (s *ExportService[S]) Sweep(ctx context.Context) (SweepResult[S], error) {
	var (
		result SweepResult[S]
		errs   []error
	)
	now := s.cfg.Now()

	for _, ref := range s.router.Refs() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		expiry, err := s.store.ExpiredTasks(ctx, ref, now, s.cfg.ExpirationThreshold, s.cfg.MaxTimeToLive)
		if store.IsShardUnavailable(err) {
			s.logger.Warn("skipping unavailable shard during sweep",
				slog.String("shard", ref.String()),
				slog.String("error", err.Error()))
			result.Skipped = append(result.Skipped, ref)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, t := range expiry.Expired {
			errs = append(errs, s.sweepDelete(ctx, ref, t.ID, "expired", &result))
		}
		for _, t := range expiry.Notify {
			if lastActivity(t).Before(now.Add(-s.cfg.MaxTimeToLive)) {
				if !t.NotificationSent {
					s.logger.Warn("removing export whose owner was never notified",
						slog.String("task_id", t.ID.String()),
						slog.String("shard", ref.String()))
				}
				errs = append(errs, s.sweepDelete(ctx, ref, t.ID, "past_ttl", &result))
				continue
			}
			if !t.NotificationSent {
				result.Notify = append(result.Notify, Notification[S]{Ref: ref, Task: t})
			}
		}
	}

	s.logger.Info("retention sweep finished",
		slog.Int("deleted", result.Deleted),
		slog.Int("notify", len(result.Notify)),
		slog.Int("skipped_shards", len(result.Skipped)))
	if err := errors.Join(errs...); err != nil {
		return result, NewExportServiceError("sweep", err)
	}
	return result, nil
}

func (s *ExportService[S]) sweepDelete(ctx context.Context, ref S, id uuid.UUID, reason string, result *SweepResult[S]) error {
	deleted, err := s.store.DeleteTask(ctx, ref, id)
	if err != nil {
		return err
	}
	if deleted {
		result.Deleted++
		s.logger.Debug("export removed by sweep",
			slog.String("task_id", id.String()),
			slog.String("shard", ref.String()),
			slog.String("reason", reason))
	}
	return nil
}

// lastActivity is the most recent timestamp of a task.
func lastActivity(t domain.Task) time.Time {
	if t.Timestamp != nil {
		return *t.Timestamp
	}
	return t.CreatedAt
}

// PendingNotifications lists every finished export not yet notified over all
// reachable shards.
func (s *ExportService[S]) PendingNotifications(ctx context.Context) ([]Notification[S], error) {
	var pending []Notification[S]
	for _, ref := range s.router.Refs() {
		tasks, err := s.store.PendingNotifications(ctx, ref)
		if store.IsShardUnavailable(err) {
			s.logger.Warn("skipping unavailable shard",
				slog.String("shard", ref.String()),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return nil, NewExportServiceError("pending_notifications", err)
		}
		for _, t := range tasks {
			pending = append(pending, Notification[S]{Ref: ref, Task: t})
		}
	}
	return pending, nil
}

// SetNotificationSent records that the owner of n was notified. It reports
// false when another worker already did.
func (s *ExportService[S]) SetNotificationSent(ctx context.Context, n Notification[S]) (bool, error) {
	changed, err := s.store.SetNotificationSent(ctx, n.Ref, n.Task.ID)
	if err != nil {
		return false, NewExportServiceError("set_notification_sent", err)
	}
	return changed, nil
}

// UnsetNotificationSent reverts SetNotificationSent after a delivery that
// turned out to fail.
func (s *ExportService[S]) UnsetNotificationSent(ctx context.Context, n Notification[S]) (bool, error) {
	changed, err := s.store.UnsetNotificationSent(ctx, n.Ref, n.Task.ID)
	if err != nil {
		return false, NewExportServiceError("unset_notification_sent", err)
	}
	return changed, nil
}
