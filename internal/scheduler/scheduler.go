// Package scheduler turns due task occurrences into queued runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/executor"
	"github.com/kylemclaren/promptoncron/internal/notify"
	"github.com/kylemclaren/promptoncron/internal/recurrence"
)

// Store is the persistence the scheduler needs
type Store interface {
	DueTasks(ctx context.Context, now time.Time) ([]*db.Task, error)
	AdvanceTask(ctx context.Context, taskID string, due time.Time, next *time.Time) (*db.Run, error)
}

// Reaper recovers orphaned runs once per tick
type Reaper interface {
	ReapOrphans(ctx context.Context, now time.Time) (executor.ReapStats, error)
}

// TickStats summarizes one tick
type TickStats struct {
	Due      int
	Enqueued int
	Errors   int
	Reaped   executor.ReapStats
}

// Scheduler polls for due tasks on a fixed tick
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	store    Store
	reaper   Reaper
	notifier notify.Notifier
	cfg      config.SchedulerConfig
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	initial sync.WaitGroup
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// New creates a scheduler. reaper and notifier may be nil.
func New(store Store, reaper Reaper, notifier notify.Notifier, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Named("cron").Sugar()}

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cl)),
		store:    store,
		reaper:   reaper,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	// A slow tick is skipped rather than stacked, and a panic in one tick
	// does not kill the loop.
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.run))
	return s
}

// Start runs one tick immediately and then every scheduler.tick
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.cfg.Tick <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %s", s.cfg.Tick)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Schedule(cron.Every(s.cfg.Tick), s.job)
	s.cron.Start()
	s.running = true

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.job.Run()
	}()

	s.logger.Info("Scheduler started", zap.Duration("tick", s.cfg.Tick), zap.Bool("catch_up", s.cfg.CatchUp))
	return nil
}

// Stop stops ticking and waits for an in-flight tick to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.initial.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run() {
	if _, err := s.Tick(s.ctx, s.now()); err != nil && s.ctx.Err() == nil {
		s.logger.Error("Scheduler tick failed", zap.Error(err))
	}
}

// Tick enqueues one run for every enabled task due at now and advances its
// next_run_at. A failure on one task is logged and does not stop the others.
// Concurrent ticks, in this process or another, enqueue each occurrence once.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickStats, error) {
	var stats TickStats
	now = now.UTC()

	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("failed to load due tasks: %w", err)
	}
	stats.Due = len(tasks)

	for _, task := range tasks {
		enqueued, err := s.fire(ctx, task, now)
		if err != nil {
			stats.Errors++
			s.logger.Error("Failed to schedule task",
				zap.String("task_id", task.ID),
				zap.String("task", task.Name),
				zap.Error(err))
			continue
		}
		if enqueued {
			stats.Enqueued++
		}
	}

	if s.reaper != nil {
		reaped, err := s.reaper.ReapOrphans(ctx, now)
		if err != nil {
			s.logger.Error("Failed to reap orphaned runs", zap.Error(err))
		}
		stats.Reaped = reaped
	}

	if stats.Due > 0 || stats.Reaped != (executor.ReapStats{}) {
		s.logger.Info("Scheduler tick",
			zap.Int("due", stats.Due),
			zap.Int("enqueued", stats.Enqueued),
			zap.Int("errors", stats.Errors),
			zap.Int("requeued", stats.Reaped.Requeued),
			zap.Int("orphaned", stats.Reaped.Failed))
	}
	return stats, nil
}

func (s *Scheduler) fire(ctx context.Context, task *db.Task, now time.Time) (bool, error) {
	if task.NextRunAt == nil {
		return false, nil
	}
	due := task.NextRunAt.UTC()

	next, err := NextRun(task.CronExpr, task.Timezone, due, now, s.cfg.CatchUp)
	if err != nil {
		return false, err
	}

	run, err := s.store.AdvanceTask(ctx, task.ID, due, next)
	switch {
	case errors.Is(err, db.ErrRunNotClaimed):
		s.logger.Debug("Occurrence already claimed", zap.String("task_id", task.ID), zap.Time("due", due))
		return false, nil
	case errors.Is(err, db.ErrDuplicateRunOccurrence):
		s.logger.Warn("Run already existed for occurrence, advanced task",
			zap.String("task_id", task.ID), zap.Time("due", due))
		return false, nil
	case err != nil:
		return false, err
	}

	s.logger.Info("Enqueued run",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Time("scheduled_for", due),
		zap.Timep("next_run_at", next))

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, run.ID); err != nil {
			s.logger.Warn("Failed to publish run wakeup", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return true, nil
}

// NextRun computes the next_run_at that follows a fired occurrence. Without
// catch-up, missed occurrences are skipped so a long outage yields one run.
// A nil result means the expression never matches again.
func NextRun(expr, tz string, due, now time.Time, catchUp bool) (*time.Time, error) {
	next, err := recurrence.Next(expr, tz, due)
	if err == nil && !catchUp && !next.After(now) {
		next, err = recurrence.Next(expr, tz, now)
	}
	if errors.Is(err, recurrence.ErrNoOccurrence) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}
