// Package webhooks delivers signed outbound HTTP notifications for bus
// events, with exponential-backoff retries and a dead-letter queue, and
// turns inbound token-addressed requests into agent spawns.
package webhooks

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

const (
	// DefaultRetryCount is used when a webhook sets none.
	DefaultRetryCount = 3

	// DefaultTimeoutMS bounds a single delivery attempt.
	DefaultTimeoutMS int64 = 5000

	// responseCap truncates logged response bodies.
	responseCap = 4096

	// Retry backoff: min(base * 2^attempt, max) plus up to jitterMax.
	defaultRetryBase = time.Second
	defaultRetryMax  = 16 * time.Second
	defaultJitterMax = time.Second
)

// SpawnFunc admits an agent spawn for inbound webhooks.
type SpawnFunc func(ctx context.Context, cfg models.SpawnConfig, ownerUID string) (*models.Process, error)

// Engine owns outbound and inbound webhooks.
type Engine struct {
	mu      sync.Mutex
	hooks   map[string]*models.Webhook
	inbound map[string]*models.InboundWebhook // keyed by token
	locks   map[string]*sync.Mutex            // per-webhook delivery serialization

	store      store.Store
	bus        *events.Bus
	spawn      SpawnFunc
	httpClient *http.Client
	logger     *slog.Logger

	retryBase time.Duration
	retryMax  time.Duration
	jitterMax time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryDelays overrides the backoff parameters.
func WithRetryDelays(base, max, jitter time.Duration) Option {
	return func(e *Engine) {
		e.retryBase = base
		e.retryMax = max
		e.jitterMax = jitter
	}
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// NewEngine creates a webhook engine.
func NewEngine(st store.Store, bus *events.Bus, spawn SpawnFunc, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		hooks:      make(map[string]*models.Webhook),
		inbound:    make(map[string]*models.InboundWebhook),
		locks:      make(map[string]*sync.Mutex),
		store:      st,
		bus:        bus,
		spawn:      spawn,
		httpClient: &http.Client{},
		logger:     logger.With("component", "webhooks"),
		retryBase:  defaultRetryBase,
		retryMax:   defaultRetryMax,
		jitterMax:  defaultJitterMax,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Hydrate loads persisted webhooks into the in-memory indexes.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	hooks, err := e.store.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate webhooks: %w", err)
	}
	inbound, err := e.store.ListInboundWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate inbound webhooks: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range hooks {
		e.hooks[h.ID] = h
	}
	for _, i := range inbound {
		e.inbound[i.Token] = i
	}
	return nil
}

// Create validates and persists an outbound webhook.
func (e *Engine) Create(ctx context.Context, w *models.Webhook) error {
	if w.Name == "" || w.URL == "" {
		return fmt.Errorf("webhook name and url are required")
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook must subscribe to at least one event pattern")
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.RetryCount <= 0 {
		w.RetryCount = DefaultRetryCount
	}
	if w.TimeoutMS <= 0 {
		w.TimeoutMS = DefaultTimeoutMS
	}
	w.Enabled = true
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if e.store != nil {
		if err := e.store.UpsertWebhook(ctx, w); err != nil {
			return fmt.Errorf("failed to persist webhook: %w", err)
		}
	}
	e.mu.Lock()
	e.hooks[w.ID] = w
	e.mu.Unlock()
	e.logger.Info("webhook created", slog.String("id", w.ID), slog.String("url", w.URL))
	return nil
}

// Delete removes an outbound webhook.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.hooks[id]
	delete(e.hooks, id)
	delete(e.locks, id)
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if e.store != nil {
		return e.store.DeleteWebhook(ctx, id)
	}
	return nil
}

// SetEnabled toggles an outbound webhook.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	w, ok := e.hooks[id]
	if !ok {
		e.mu.Unlock()
		return store.ErrNotFound
	}
	w.Enabled = enabled
	row := *w
	e.mu.Unlock()
	if e.store != nil {
		return e.store.UpsertWebhook(ctx, &row)
	}
	return nil
}

// Get returns one webhook snapshot, or nil.
func (e *Engine) Get(id string) *models.Webhook {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.hooks[id]; ok {
		snapshot := *w
		return &snapshot
	}
	return nil
}

// List returns snapshots of all outbound webhooks.
func (e *Engine) List() []models.Webhook {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Webhook, 0, len(e.hooks))
	for _, w := range e.hooks {
		out = append(out, *w)
	}
	return out
}

// Logs returns the delivery log for one webhook, newest first.
func (e *Engine) Logs(ctx context.Context, webhookID string, limit, offset int) ([]*models.WebhookLog, int, error) {
	return e.store.ListWebhookLogs(ctx, webhookID, limit, offset)
}

// Run subscribes to the bus and dispatches matching events until ctx ends.
// Events in the webhook namespace are never dispatched, so a delivery can
// not trigger further deliveries.
func (e *Engine) Run(ctx context.Context) {
	sub := e.bus.Subscribe("*", events.DefaultBuffer)
	defer e.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if events.MatchPattern("webhook.*", ev.Type) {
				continue
			}
			e.Dispatch(ctx, ev)
		}
	}
}

// Dispatch schedules delivery of one event to every matching webhook.
func (e *Engine) Dispatch(ctx context.Context, ev events.Event) {
	e.mu.Lock()
	var matched []*models.Webhook
	for _, w := range e.hooks {
		if !w.Enabled || !events.MatchAnyPattern(w.Events, ev.Type) {
			continue
		}
		if !filterMatches(w.Filter, ev.Data) {
			continue
		}
		matched = append(matched, w)
	}
	e.mu.Unlock()

	for _, w := range matched {
		go e.deliverSerialized(ctx, w.ID, ev)
	}
}

// deliverSerialized holds the per-webhook lock so attempts for one webhook
// never interleave.
func (e *Engine) deliverSerialized(ctx context.Context, webhookID string, ev events.Event) {
	e.mu.Lock()
	lock, ok := e.locks[webhookID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[webhookID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	e.deliver(ctx, webhookID, ev)
}

func (e *Engine) deliver(ctx context.Context, webhookID string, ev events.Event) {
	e.mu.Lock()
	w, ok := e.hooks[webhookID]
	if !ok {
		e.mu.Unlock()
		return
	}
	hook := *w
	e.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"event":     ev.Type,
		"timestamp": ev.Time.UTC().Format(time.RFC3339Nano),
		"webhookId": hook.ID,
		"data":      ev,
	})
	if err != nil {
		e.logger.Error("failed to encode webhook payload", slog.Any("error", err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.MaxInterval = e.retryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxAttempts := hook.RetryCount + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff() + e.jitter()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		status, respBody, duration, attemptErr := e.attempt(ctx, &hook, body)
		e.writeLog(ctx, &hook, ev.Type, string(body), status, respBody, duration, attemptErr == nil)
		if attemptErr == nil {
			e.onDelivered(ctx, hook.ID, ev.Type, attempt+1)
			return
		}
		lastErr = attemptErr
	}
	e.onExhausted(ctx, &hook, ev.Type, string(body), maxAttempts, lastErr)
}

func (e *Engine) jitter() time.Duration {
	if e.jitterMax <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(e.jitterMax)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// attempt performs one POST; non-2xx statuses count as failures.
func (e *Engine) attempt(ctx context.Context, w *models.Webhook, body []byte) (status int, respBody string, duration time.Duration, err error) {
	timeout := time.Duration(w.TimeoutMS) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, w.Secret))
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	duration = time.Since(start)
	if err != nil {
		return 0, "", duration, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseCap+1))
	respBody = truncate(string(raw), responseCap)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, duration, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, respBody, duration, nil
}

func (e *Engine) writeLog(ctx context.Context, w *models.Webhook, eventType, payload string, status int, respBody string, duration time.Duration, success bool) {
	if e.store == nil {
		return
	}
	entry := &models.WebhookLog{
		ID:         uuid.New().String(),
		WebhookID:  w.ID,
		EventType:  eventType,
		Payload:    payload,
		StatusCode: status,
		Response:   respBody,
		DurationMS: duration.Milliseconds(),
		Success:    success,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.InsertWebhookLog(ctx, entry); err != nil {
		e.logger.Error("failed to write delivery log",
			slog.String("webhook_id", w.ID), slog.Any("error", err))
	}
}

func (e *Engine) onDelivered(ctx context.Context, webhookID, eventType string, attempts int) {
	now := time.Now().UTC()
	e.mu.Lock()
	if w, ok := e.hooks[webhookID]; ok {
		w.LastTriggered = &now
		if e.store != nil {
			row := *w
			go func() {
				if err := e.store.UpsertWebhook(context.WithoutCancel(ctx), &row); err != nil {
					e.logger.Error("failed to persist webhook trigger time",
						slog.String("webhook_id", webhookID), slog.Any("error", err))
				}
			}()
		}
	}
	e.mu.Unlock()

	e.bus.Emit(events.EventWebhookDelivery, 0, map[string]any{
		"webhook_id": webhookID,
		"event_type": eventType,
		"status":     "delivered",
		"attempts":   attempts,
	})
	e.bus.Emit(events.EventWebhookFired, 0, map[string]any{
		"webhook_id": webhookID,
		"event_type": eventType,
	})
}

func (e *Engine) onExhausted(ctx context.Context, w *models.Webhook, eventType, payload string, attempts int, lastErr error) {
	errText := "delivery failed"
	if lastErr != nil {
		errText = lastErr.Error()
	}
	e.logger.Warn("webhook delivery exhausted, moving to DLQ",
		slog.String("webhook_id", w.ID),
		slog.Int("attempts", attempts),
		slog.String("error", errText))

	if e.store != nil {
		entry := &models.DLQEntry{
			ID:        uuid.New().String(),
			WebhookID: w.ID,
			EventType: eventType,
			Payload:   payload,
			LastError: errText,
			Attempts:  attempts,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.InsertDLQEntry(ctx, entry); err != nil {
			e.logger.Error("failed to insert DLQ entry", slog.Any("error", err))
		}
		if err := e.store.IncrementWebhookFailure(ctx, w.ID); err != nil && err != store.ErrNotFound {
			e.logger.Error("failed to bump failure counter", slog.Any("error", err))
		}
	}
	e.mu.Lock()
	if live, ok := e.hooks[w.ID]; ok {
		live.FailureCount++
	}
	e.mu.Unlock()

	e.bus.Emit(events.EventWebhookDelivery, 0, map[string]any{
		"webhook_id": w.ID,
		"event_type": eventType,
		"status":     "dlq",
		"attempts":   attempts,
	})
	e.bus.Emit(events.EventWebhookFailed, 0, map[string]any{
		"webhook_id": w.ID,
		"event_type": eventType,
		"error":      errText,
	})
}

func filterMatches(filter, data map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
