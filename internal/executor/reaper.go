package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/notify"
	"github.com/kylemclaren/promptoncron/internal/webhook"
)

// Reaper recovers runs whose executor died while they were running
type Reaper struct {
	store    Store
	notifier notify.Notifier
	hooks    *webhook.Hooks
	cfg      config.ExecutorConfig
	logger   *zap.Logger
}

// ReapStats counts what one pass did
type ReapStats struct {
	Requeued int
	Failed   int
}

func NewReaper(store Store, notifier notify.Notifier, hooks *webhook.Hooks, cfg config.ExecutorConfig, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: store, notifier: notifier, hooks: hooks, cfg: cfg, logger: logger.Named("reaper")}
}

// ReapOrphans handles runs that have been running longer than the stall
// threshold. A run is requeued while its attempt count is within
// max_reclaims and failed with ErrOrphanedRunTimeout after that.
func (r *Reaper) ReapOrphans(ctx context.Context, now time.Time) (ReapStats, error) {
	var stats ReapStats
	stalled, err := r.store.StalledRuns(ctx, now.Add(-r.cfg.StallThreshold))
	if err != nil {
		return stats, err
	}

	for _, run := range stalled {
		logger := r.logger.With(zap.String("run_id", run.ID), zap.String("task_id", run.TaskID), zap.Int("attempt", run.Attempt))

		if run.Attempt <= r.cfg.MaxReclaims {
			if _, err := r.store.RequeueRun(ctx, run); err != nil {
				if !errors.Is(err, db.ErrRunNotClaimed) {
					logger.Error("Failed to requeue orphaned run", zap.Error(err))
				}
				continue
			}
			stats.Requeued++
			logger.Warn("Requeued orphaned run")
			if r.notifier != nil {
				if err := r.notifier.Publish(ctx, run.ID); err != nil {
					logger.Warn("Failed to publish run wakeup", zap.Error(err))
				}
			}
			continue
		}

		if err := r.store.FailRun(ctx, run.Fail(now, db.ErrOrphanedRunTimeout.Error())); err != nil {
			if !errors.Is(err, db.ErrRunNotClaimed) {
				logger.Error("Failed to fail orphaned run", zap.Error(err))
			}
			continue
		}
		stats.Failed++
		logger.Warn("Orphaned run failed")

		if task, err := r.store.GetTask(ctx, run.TaskID); err == nil {
			finished(ctx, r.store, r.hooks, logger, task, run.ID, nil)
		}
	}
	return stats, nil
}
