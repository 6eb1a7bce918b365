// Package memory provides an in-memory Store used by unit tests and the
// single-binary development mode (AETHER_STORE=memory). Rows are deep-copied
// through JSON on the way in and out so callers never share mutable state
// with the store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// Store is a mutex-guarded map-per-table implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	processes map[int]*models.Process
	skills    map[string]*models.Skill
	cronJobs  map[string]*models.CronJob
	triggers  map[string]*models.EventTrigger
	webhooks  map[string]*models.Webhook
	inbound   map[string]*models.InboundWebhook
	logs      []*models.WebhookLog
	dlq       map[string]*models.DLQEntry
	dlqOrder  []string
	audit     []*models.AuditEntry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		processes: make(map[int]*models.Process),
		skills:    make(map[string]*models.Skill),
		cronJobs:  make(map[string]*models.CronJob),
		triggers:  make(map[string]*models.EventTrigger),
		webhooks:  make(map[string]*models.Webhook),
		inbound:   make(map[string]*models.InboundWebhook),
		dlq:       make(map[string]*models.DLQEntry),
	}
}

var _ store.Store = (*Store)(nil)

// clone round-trips a row through JSON to detach it from caller memory.
func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		// Row types are plain JSON-serializable structs; this cannot fail
		// for well-formed rows.
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// --- Processes ---

func (s *Store) UpsertProcess(_ context.Context, p *models.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.PID] = clone(p)
	return nil
}

func (s *Store) ListProcesses(_ context.Context) ([]*models.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *Store) DeleteProcess(_ context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, pid)
	return nil
}

// --- Skills ---

func (s *Store) UpsertSkill(_ context.Context, sk *models.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[sk.ID] = clone(sk)
	return nil
}

func (s *Store) ListSkills(_ context.Context) ([]*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, clone(sk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSkill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.skills, id)
	return nil
}

// --- Cron jobs ---

func (s *Store) UpsertCronJob(_ context.Context, j *models.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronJobs[j.ID] = clone(j)
	return nil
}

func (s *Store) ListCronJobs(_ context.Context) ([]*models.CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.CronJob, 0, len(s.cronJobs))
	for _, j := range s.cronJobs {
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteCronJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cronJobs, id)
	return nil
}

func (s *Store) UpdateCronJobRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.cronJobs[id]
	if !ok {
		return store.ErrNotFound
	}
	lr := lastRun
	j.LastRun = &lr
	j.NextRun = nextRun
	j.RunCount++
	return nil
}

// --- Event triggers ---

func (s *Store) UpsertTrigger(_ context.Context, t *models.EventTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = clone(t)
	return nil
}

func (s *Store) ListTriggers(_ context.Context) ([]*models.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.EventTrigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}

// --- Outbound webhooks ---

func (s *Store) UpsertWebhook(_ context.Context, w *models.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = clone(w)
	return nil
}

func (s *Store) ListWebhooks(_ context.Context) ([]*models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, id)
	return nil
}

func (s *Store) IncrementWebhookFailure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return store.ErrNotFound
	}
	w.FailureCount++
	return nil
}

// --- Inbound webhooks ---

func (s *Store) UpsertInboundWebhook(_ context.Context, w *models.InboundWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[w.ID] = clone(w)
	return nil
}

func (s *Store) ListInboundWebhooks(_ context.Context) ([]*models.InboundWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.InboundWebhook, 0, len(s.inbound))
	for _, w := range s.inbound {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteInboundWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, id)
	return nil
}

// --- Webhook delivery logs ---

func (s *Store) InsertWebhookLog(_ context.Context, l *models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, clone(l))
	return nil
}

func (s *Store) ListWebhookLogs(_ context.Context, webhookID string, limit, offset int) ([]*models.WebhookLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*models.WebhookLog, 0, len(s.logs))
	for _, l := range s.logs {
		if webhookID == "" || l.WebhookID == webhookID {
			matched = append(matched, l)
		}
	}
	// Newest first.
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	page := paginate(matched, limit, offset)
	out := make([]*models.WebhookLog, len(page))
	for i, l := range page {
		out[i] = clone(l)
	}
	return out, total, nil
}

func (s *Store) DeleteWebhookLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

// --- DLQ ---

func (s *Store) InsertDLQEntry(_ context.Context, e *models.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dlq[e.ID]; !exists {
		s.dlqOrder = append(s.dlqOrder, e.ID)
	}
	s.dlq[e.ID] = clone(e)
	return nil
}

func (s *Store) GetDLQEntry(_ context.Context, id string) (*models.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dlq[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(e), nil
}

func (s *Store) ListDLQEntries(_ context.Context, limit, offset int) ([]*models.DLQEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.DLQEntry, 0, len(s.dlqOrder))
	// Newest first.
	for i := len(s.dlqOrder) - 1; i >= 0; i-- {
		if e, ok := s.dlq[s.dlqOrder[i]]; ok {
			all = append(all, e)
		}
	}
	total := len(all)
	page := paginate(all, limit, offset)
	out := make([]*models.DLQEntry, len(page))
	for i, e := range page {
		out[i] = clone(e)
	}
	return out, total, nil
}

func (s *Store) MarkDLQRetried(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	e.RetriedAt = &t
	return nil
}

func (s *Store) DeleteDLQEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, id)
	return nil
}

func (s *Store) PurgeDLQ(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.dlq))
	s.dlq = make(map[string]*models.DLQEntry)
	s.dlqOrder = nil
	return n, nil
}

// --- Audit ---

func (s *Store) InsertAuditEntry(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, clone(e))
	return nil
}

func (s *Store) QueryAuditEntries(_ context.Context, q models.AuditQuery) ([]*models.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*models.AuditEntry, 0, len(s.audit))
	for _, e := range s.audit {
		if q.PID != 0 && e.ActorPID != q.PID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, e)
	}
	// Newest first.
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	total := len(matched)
	page := paginate(matched, q.Limit, q.Offset)
	out := make([]*models.AuditEntry, len(page))
	for i, e := range page {
		out[i] = clone(e)
	}
	return out, total, nil
}

func (s *Store) PruneAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var removed int64
	for _, e := range s.audit {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// paginate applies limit/offset to a slice. limit <= 0 means "no limit".
func paginate[T any](in []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
