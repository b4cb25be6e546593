// Package schedule runs recurring group prompts registered via an IPC
// schedule task: it ticks periodically, asks the store for schedules whose
// next_run has passed, appends each as an inbound message for its group,
// and enqueues the group for processing.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) — no seconds field, matching the expressions IPC schedule
// tasks are expected to submit.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime returns the next time cronExpr fires strictly after "after".
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Config holds the Scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically fires due schedules by feeding their prompt back
// into the normal message-processing path for the owning group.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule: scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule: scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("schedule: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire appends the schedule's prompt as an inbound message for its group
// and enqueues the group, then advances next_run to the following
// occurrence so the same fire never repeats.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	_, err := s.store.AppendMessage(ctx, store.Message{
		GroupJID:  sched.GroupJID,
		MessageID: "schedule-" + time.Now().UTC().Format(time.RFC3339Nano),
		Sender:    "schedule",
		Direction: "inbound",
		Content:   sched.Prompt,
		Timestamp: now,
	})
	if err != nil {
		s.logger.Error("schedule: failed to append scheduled message", "schedule_id", sched.ID, "error", err)
		return
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule: failed to compute next run time", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.store.UpdateNextRun(ctx, sched.ID, next); err != nil {
		s.logger.Error("schedule: failed to advance next run", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("schedule: fired", "schedule_id", sched.ID, "group", sched.GroupJID, "next_run_at", next)
	s.queue.Enqueue(ctx, sched.GroupJID)
}
