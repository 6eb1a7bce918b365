package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// CreateTrigger validates and persists an event trigger.
func (s *Scheduler) CreateTrigger(ctx context.Context, t *models.EventTrigger) error {
	if t.Name == "" || t.Pattern == "" {
		return fmt.Errorf("trigger name and pattern are required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Enabled = true
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if s.store != nil {
		if err := s.store.UpsertTrigger(ctx, t); err != nil {
			return fmt.Errorf("failed to persist trigger: %w", err)
		}
	}
	s.mu.Lock()
	s.triggers[t.ID] = t
	s.mu.Unlock()
	s.logger.Info("trigger created",
		slog.String("id", t.ID), slog.String("pattern", t.Pattern))
	return nil
}

// DeleteTrigger removes a trigger.
func (s *Scheduler) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.triggers[id]
	delete(s.triggers, id)
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if s.store != nil {
		return s.store.DeleteTrigger(ctx, id)
	}
	return nil
}

// SetTriggerEnabled toggles a trigger.
func (s *Scheduler) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	t.Enabled = enabled
	row := *t
	s.mu.Unlock()
	if s.store != nil {
		return s.store.UpsertTrigger(ctx, &row)
	}
	return nil
}

// ListTriggers returns snapshots of all triggers.
func (s *Scheduler) ListTriggers() []models.EventTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventTrigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, *t)
	}
	return out
}

// GetTrigger returns one trigger snapshot, or nil.
func (s *Scheduler) GetTrigger(id string) *models.EventTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[id]; ok {
		snapshot := *t
		return &snapshot
	}
	return nil
}

// dispatchEvent fires every trigger matched by one bus event. Cron and
// trigger events themselves never re-trigger, to avoid loops.
func (s *Scheduler) dispatchEvent(ctx context.Context, ev events.Event) {
	if ev.Type == events.EventCronFired || ev.Type == events.EventTriggerFired {
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	var matched []*models.EventTrigger
	for _, t := range s.triggers {
		if !t.Enabled || !events.MatchPattern(t.Pattern, ev.Type) {
			continue
		}
		if t.CooldownMS > 0 && t.LastFired != nil &&
			now.Sub(*t.LastFired) < time.Duration(t.CooldownMS)*time.Millisecond {
			continue
		}
		if !filterMatches(t.Filter, ev.Data) {
			continue
		}
		matched = append(matched, t)
	}
	for _, t := range matched {
		fired := now
		t.LastFired = &fired
		t.FireCount++
	}
	s.mu.Unlock()

	for _, t := range matched {
		s.fireTrigger(ctx, t, ev)
	}
}

func (s *Scheduler) fireTrigger(ctx context.Context, t *models.EventTrigger, ev events.Event) {
	if s.store != nil {
		s.mu.Lock()
		row := *t
		s.mu.Unlock()
		if err := s.store.UpsertTrigger(ctx, &row); err != nil {
			s.logger.Error("failed to persist trigger fire",
				slog.String("id", t.ID), slog.Any("error", err))
		}
	}

	pid := 0
	if s.spawn != nil {
		proc, err := s.spawn(ctx, t.Agent, t.OwnerUID)
		if err != nil {
			s.logger.Warn("trigger spawn not admitted",
				slog.String("id", t.ID), slog.Any("error", err))
		} else {
			pid = proc.PID
		}
	}
	s.logger.Info("trigger fired",
		slog.String("id", t.ID), slog.String("event", ev.Type), slog.Int("pid", pid))
	s.bus.Emit(events.EventTriggerFired, pid, map[string]any{
		"trigger_id": t.ID,
		"event_type": ev.Type,
	})
}

// filterMatches requires strict equality for every filter key on the event
// payload.
func filterMatches(filter, data map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
