// Package scheduler materializes due cron entries into queued runs. At
// most one Scheduler process should run at a time; this is
// a launcher convention here, not an in-process lock, since the Store is
// the only shared mutable state and a racing second Scheduler merely
// double-enqueues instead of corrupting data.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
	"taskhub/pkg/logging"
)

// Scheduler evaluates cron expressions and enqueues due runs.
type Scheduler struct {
	store    *store.Store
	registry *taskregistry.Registry
	tick     time.Duration
	log      *logging.Logger
	parser   cron.Parser
}

// New builds a Scheduler that wakes every tick.
func New(st *store.Store, reg *taskregistry.Registry, tick time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: reg,
		tick:     tick,
		log:      log,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// NextFireTime parses a standard 5-field cron expression and returns its
// next fire time after `after`.
func (s *Scheduler) NextFireTime(expression string, after time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// Run wakes every tick, materializes due cron entries, and advances each
// one's next_run_at, coalescing any missed ticks into a single catch-up
// run per entry, never backfilling.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler.started", "tick", s.tick)
	defer s.log.Info("scheduler.stopped")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.PollDueCron(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("scheduler.poll_due_cron.failed")
		return
	}

	tasks := s.registry.Snapshot()
	for _, entry := range due {
		s.fire(ctx, tasks, entry, now)
	}
}

// fire enqueues one run for entry and advances its schedule. Because
// PollDueCron only reports an entry once per call regardless of how many
// ticks it missed while this process was down, a long outage still yields
// at most one catch-up run.
func (s *Scheduler) fire(ctx context.Context, tasks map[string]*model.Task, entry *model.CronEntry, now time.Time) {
	log := s.log.WithTaskID(entry.TaskID)

	runID, err := s.store.EnqueueRun(ctx, tasks, entry.TaskID, entry.Params, &entry.CronID)
	if err != nil {
		log.WithError(err).Error("scheduler.enqueue.failed", "cron_id", entry.CronID)
	} else {
		log.Info("scheduler.enqueued", "cron_id", entry.CronID, "run_id", runID)
	}

	next, err := s.NextFireTime(entry.CronExpression, now)
	if err != nil {
		log.WithError(err).Error("scheduler.next_fire_time.failed", "cron_id", entry.CronID)
		// Push the entry a day out rather than re-fire an unparsable
		// expression on every tick; the entry stays enabled.
		next = now.Add(24 * time.Hour)
	}
	if err := s.store.AdvanceCron(ctx, entry.CronID, now, next); err != nil {
		log.WithError(err).Error("scheduler.advance_cron.failed", "cron_id", entry.CronID)
	}
}

// TriggerNow enqueues a one-off run for entry immediately, bypassing
// next_run_at, without disturbing its cron cadence.
func (s *Scheduler) TriggerNow(ctx context.Context, tasks map[string]*model.Task, cronID string) (string, error) {
	entry, err := s.store.GetCronEntry(ctx, cronID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", ErrCronEntryNotFound
	}
	var params json.RawMessage = entry.Params
	return s.store.EnqueueRun(ctx, tasks, entry.TaskID, params, &entry.CronID)
}

// ErrCronEntryNotFound is returned by TriggerNow when cron_id names no entry.
var ErrCronEntryNotFound = errors.New("scheduler: cron entry not found")
