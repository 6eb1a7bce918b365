package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// ErrInboundRejected is returned for unknown or disabled inbound tokens. The
// HTTP layer answers it opaquely so tokens can not be probed.
var ErrInboundRejected = fmt.Errorf("inbound webhook rejected")

// newToken returns 32 random bytes as lowercase hex.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateInbound mints a token and persists an inbound webhook.
func (e *Engine) CreateInbound(ctx context.Context, w *models.InboundWebhook) error {
	if w.Name == "" {
		return fmt.Errorf("inbound webhook name is required")
	}
	token, err := newToken()
	if err != nil {
		return err
	}
	w.ID = uuid.New().String()
	w.Token = token
	w.Enabled = true
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if e.store != nil {
		if err := e.store.UpsertInboundWebhook(ctx, w); err != nil {
			return fmt.Errorf("failed to persist inbound webhook: %w", err)
		}
	}
	e.mu.Lock()
	e.inbound[w.Token] = w
	e.mu.Unlock()
	e.logger.Info("inbound webhook created", slog.String("id", w.ID))
	return nil
}

// ListInbound returns snapshots of all inbound webhooks.
func (e *Engine) ListInbound() []models.InboundWebhook {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.InboundWebhook, 0, len(e.inbound))
	for _, w := range e.inbound {
		out = append(out, *w)
	}
	return out
}

// DeleteInbound removes an inbound webhook by id.
func (e *Engine) DeleteInbound(ctx context.Context, id string) error {
	e.mu.Lock()
	var token string
	for tok, w := range e.inbound {
		if w.ID == id {
			token = tok
			break
		}
	}
	if token == "" {
		e.mu.Unlock()
		return store.ErrNotFound
	}
	delete(e.inbound, token)
	e.mu.Unlock()
	if e.store != nil {
		return e.store.DeleteInboundWebhook(ctx, id)
	}
	return nil
}

// SetInboundEnabled toggles an inbound webhook by id.
func (e *Engine) SetInboundEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	var row *models.InboundWebhook
	for _, w := range e.inbound {
		if w.ID == id {
			w.Enabled = enabled
			snapshot := *w
			row = &snapshot
			break
		}
	}
	e.mu.Unlock()
	if row == nil {
		return store.ErrNotFound
	}
	if e.store != nil {
		return e.store.UpsertInboundWebhook(ctx, row)
	}
	return nil
}

// HandleInbound spawns the agent configured for a token. payload is carried
// into the spawn goal context via the inbound trigger event.
func (e *Engine) HandleInbound(ctx context.Context, token string, payload map[string]any) (*models.Process, error) {
	e.mu.Lock()
	w, ok := e.inbound[token]
	if !ok || !w.Enabled {
		e.mu.Unlock()
		return nil, ErrInboundRejected
	}
	cfg := w.Agent
	owner := w.OwnerUID
	id := w.ID
	e.mu.Unlock()

	if e.spawn == nil {
		return nil, fmt.Errorf("no spawn callback configured")
	}
	proc, err := e.spawn(ctx, cfg, owner)
	if err != nil {
		return nil, err
	}

	// Count only triggers whose spawn was admitted.
	e.mu.Lock()
	var row models.InboundWebhook
	if cur, ok := e.inbound[token]; ok {
		cur.TriggerCount++
		row = *cur
	}
	e.mu.Unlock()

	if e.store != nil && row.ID != "" {
		if err := e.store.UpsertInboundWebhook(ctx, &row); err != nil {
			e.logger.Error("failed to persist inbound trigger count",
				slog.String("id", id), slog.Any("error", err))
		}
	}
	e.bus.Emit(events.EventWebhookInboundTriggered, proc.PID, map[string]any{
		"inbound_id": id,
		"payload":    payload,
	})
	return proc, nil
}
