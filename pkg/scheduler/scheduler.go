// Package scheduler fires calendar-scheduled agent spawns from five-field
// cron expressions and reacts to matched bus events through triggers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// DefaultTick is the cadence at which due cron jobs are scanned.
const DefaultTick = 30 * time.Second

// cronParser accepts classic five-field expressions with ranges, steps, and
// comma lists.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronTime returns the next instant strictly after now at which the
// expression matches, at minute resolution.
func NextCronTime(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(now), nil
}

// SpawnFunc admits an agent spawn on behalf of the scheduler.
type SpawnFunc func(ctx context.Context, cfg models.SpawnConfig, ownerUID string) (*models.Process, error)

// Scheduler owns cron jobs and event triggers.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*models.CronJob
	triggers map[string]*models.EventTrigger

	store  store.Store
	bus    *events.Bus
	spawn  SpawnFunc
	logger *slog.Logger
	tick   time.Duration
}

// New creates a scheduler. tick <= 0 selects DefaultTick.
func New(st store.Store, bus *events.Bus, spawn SpawnFunc, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*models.CronJob),
		triggers: make(map[string]*models.EventTrigger),
		store:    st,
		bus:      bus,
		spawn:    spawn,
		logger:   logger.With("component", "scheduler"),
		tick:     tick,
	}
}

// Hydrate loads persisted jobs and triggers, recomputing stale next-run
// times for enabled jobs.
func (s *Scheduler) Hydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	jobs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate cron jobs: %w", err)
	}
	triggers, err := s.store.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate triggers: %w", err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.Enabled && j.NextRun.Before(now) {
			next, err := NextCronTime(j.Expression, now)
			if err != nil {
				s.logger.Warn("disabling cron job with invalid expression",
					slog.String("id", j.ID), slog.Any("error", err))
				j.Enabled = false
			} else {
				j.NextRun = next
			}
		}
		s.jobs[j.ID] = j
	}
	for _, t := range triggers {
		s.triggers[t.ID] = t
	}
	return nil
}

// CreateJob validates the expression, computes the first run, and persists.
func (s *Scheduler) CreateJob(ctx context.Context, job *models.CronJob) error {
	if job.Name == "" {
		return fmt.Errorf("cron job name is required")
	}
	next, err := NextCronTime(job.Expression, time.Now().UTC())
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.NextRun = next
	job.Enabled = true
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if s.store != nil {
		if err := s.store.UpsertCronJob(ctx, job); err != nil {
			return fmt.Errorf("failed to persist cron job: %w", err)
		}
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.logger.Info("cron job created",
		slog.String("id", job.ID), slog.String("expression", job.Expression))
	return nil
}

// DeleteJob removes a job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if s.store != nil {
		return s.store.DeleteCronJob(ctx, id)
	}
	return nil
}

// SetJobEnabled toggles a job; enabling recomputes next-run from now.
func (s *Scheduler) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	job.Enabled = enabled
	if enabled {
		next, err := NextCronTime(job.Expression, time.Now().UTC())
		if err != nil {
			s.mu.Unlock()
			return err
		}
		job.NextRun = next
	}
	row := *job
	s.mu.Unlock()
	if s.store != nil {
		return s.store.UpsertCronJob(ctx, &row)
	}
	return nil
}

// ListJobs returns snapshots of all cron jobs.
func (s *Scheduler) ListJobs() []models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// GetJob returns one job snapshot, or nil.
func (s *Scheduler) GetJob(id string) *models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		snapshot := *j
		return &snapshot
	}
	return nil
}

// Run drives the cron tick and the trigger subscription until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	sub := s.bus.Subscribe("*", events.DefaultBuffer)
	defer s.bus.Unsubscribe(sub)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDueJobs(ctx)
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.dispatchEvent(ctx, ev)
		}
	}
}

// fireDueJobs runs every enabled job whose next-run has passed.
func (s *Scheduler) fireDueJobs(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	var due []*models.CronJob
	for _, j := range s.jobs {
		if j.Enabled && !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fireJob(ctx, job, now)
	}
}

func (s *Scheduler) fireJob(ctx context.Context, job *models.CronJob, now time.Time) {
	next, err := NextCronTime(job.Expression, now)
	if err != nil {
		s.logger.Error("cron job has unparseable expression, disabling",
			slog.String("id", job.ID), slog.Any("error", err))
		s.mu.Lock()
		job.Enabled = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	fired := now
	job.LastRun = &fired
	job.NextRun = next
	job.RunCount++
	owner := job.OwnerUID
	cfg := job.Agent
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateCronJobRun(ctx, job.ID, fired, next); err != nil {
			s.logger.Error("failed to persist cron run",
				slog.String("id", job.ID), slog.Any("error", err))
		}
	}

	pid := 0
	if s.spawn != nil {
		proc, err := s.spawn(ctx, cfg, owner)
		if err != nil {
			s.logger.Warn("cron spawn not admitted",
				slog.String("id", job.ID), slog.Any("error", err))
		} else {
			pid = proc.PID
		}
	}
	s.logger.Info("cron job fired", slog.String("id", job.ID), slog.Int("pid", pid))
	s.bus.Emit(events.EventCronFired, pid, map[string]any{
		"job_id": job.ID,
		"name":   job.Name,
	})
}
