package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// ListDLQ returns dead-lettered deliveries, newest first.
func (e *Engine) ListDLQ(ctx context.Context, limit, offset int) ([]*models.DLQEntry, int, error) {
	return e.store.ListDLQEntries(ctx, limit, offset)
}

// RetryDLQ makes a single re-delivery attempt for one DLQ entry and stamps
// retried_at. The entry stays in the queue either way; a successful retry is
// reported through the returned flag.
func (e *Engine) RetryDLQ(ctx context.Context, id string) (bool, error) {
	entry, err := e.store.GetDLQEntry(ctx, id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	w, ok := e.hooks[entry.WebhookID]
	var hook models.Webhook
	if ok {
		hook = *w
	}
	e.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("webhook %s no longer exists: %w", entry.WebhookID, store.ErrNotFound)
	}

	status, respBody, duration, attemptErr := e.attempt(ctx, &hook, []byte(entry.Payload))
	e.writeLog(ctx, &hook, entry.EventType, entry.Payload, status, respBody, duration, attemptErr == nil)
	if err := e.store.MarkDLQRetried(ctx, id, time.Now().UTC()); err != nil {
		return false, err
	}
	if attemptErr == nil {
		e.onDelivered(ctx, hook.ID, entry.EventType, 1)
		return true, nil
	}
	return false, nil
}

// PurgeDLQEntry removes one DLQ entry.
func (e *Engine) PurgeDLQEntry(ctx context.Context, id string) error {
	return e.store.DeleteDLQEntry(ctx, id)
}

// PurgeDLQ removes all DLQ entries and returns how many were dropped.
func (e *Engine) PurgeDLQ(ctx context.Context) (int64, error) {
	return e.store.PurgeDLQ(ctx)
}
