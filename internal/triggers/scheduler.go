// Package triggers fires configured cron schedules into the Enqueue Service
// with source TRIGGER. Schedules are durable rows in the store's schedules
// table, seeded from config at boot and re-synced on config reload.
package triggers

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/enqueue"
	"github.com/basket/dispatchd/internal/priority"
	"github.com/basket/dispatchd/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the trigger scheduler.
type Config struct {
	Store    *store.Store
	Enqueue  *enqueue.Service
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and enqueues a
// TRIGGER-sourced job for each one.
type Scheduler struct {
	store    *store.Store
	enqueue  *enqueue.Service
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		enqueue:  cfg.Enqueue,
		logger:   logger.With("component", "triggers"),
		interval: interval,
	}
}

// Sync reconciles the schedules table with the configured schedule list:
// every configured schedule is upserted (with its next run recomputed from
// the current time) and schedules no longer configured are removed.
func (s *Scheduler) Sync(ctx context.Context, schedules []config.ScheduleConfig) error {
	now := time.Now()
	names := make([]string, 0, len(schedules))
	for _, sc := range schedules {
		names = append(names, sc.Name)

		next, err := NextRunTime(sc.Cron, now)
		if err != nil {
			return fmt.Errorf("schedule %q: bad cron expression %q: %w", sc.Name, sc.Cron, err)
		}
		row := &store.Schedule{
			Name:       sc.Name,
			CronExpr:   sc.Cron,
			Queue:      sc.Queue,
			AgentID:    nullString(sc.AgentID),
			ModelID:    nullString(sc.ModelID),
			Payload:    sc.Payload,
			Parameters: sc.Parameters,
			Enabled:    !sc.Disabled,
			NextRunAt:  sql.NullTime{Time: next.UTC(), Valid: true},
		}
		if err := s.store.UpsertSchedule(ctx, row); err != nil {
			return err
		}
	}

	removed, err := s.store.DeleteSchedulesExcept(ctx, names)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("removed stale schedules", "count", removed)
	}
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("trigger scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("trigger scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick queries for due schedules and fires each one. Exported so tests can
// drive the scheduler without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("query due schedules", "error", err)
		}
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues the schedule's job and advances its run timestamps. The
// next-run update happens even when the enqueue fails, so a persistently
// broken schedule fires once per period instead of once per tick.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	var jobID string
	var err error
	switch sched.Queue {
	case "inference":
		jobID, err = s.enqueue.EnqueueInference(ctx, enqueue.InferenceRequest{
			ModelID:    sched.ModelID.String,
			Prompt:     sched.Payload,
			Parameters: sched.Parameters,
			Source:     priority.SourceTrigger,
		})
	default:
		jobID, err = s.enqueue.EnqueueExecution(ctx, enqueue.ExecutionRequest{
			AgentID: sched.AgentID.String,
			Payload: sched.Payload,
			Source:  priority.SourceTrigger,
		})
	}
	if err != nil {
		s.logger.Error("enqueue for schedule failed",
			"schedule", sched.Name, "queue", sched.Queue, "error", err)
	}

	nextRun, nerr := NextRunTime(sched.CronExpr, now)
	if nerr != nil {
		s.logger.Error("compute next run time",
			"schedule", sched.Name, "cron_expr", sched.CronExpr, "error", nerr)
		return
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("update schedule run", "schedule", sched.Name, "error", err)
		return
	}

	if jobID != "" {
		s.logger.Info("schedule fired",
			"schedule", sched.Name, "queue", sched.Queue, "job_id", jobID, "next_run_at", nextRun)
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
