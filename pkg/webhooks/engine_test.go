package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store/memory"
)

func newTestEngine(t *testing.T, spawn SpawnFunc) (*Engine, *memory.Store, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := memory.New()
	e := NewEngine(st, bus, spawn, nil, WithRetryDelays(time.Millisecond, 4*time.Millisecond, 0))
	return e, st, bus
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"process.exit"}`)
	sig := Sign(body, "s3cret")
	assert.Len(t, sig, 64)
	assert.True(t, Verify(body, "s3cret", sig))
	assert.False(t, Verify(body, "other", sig))
	assert.False(t, Verify([]byte("tampered"), "s3cret", sig))
}

func TestDeliverySignsAndLogs(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "custom", r.Header.Get("X-Extra"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, st, _ := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Create(ctx, &models.Webhook{
		Name:    "ops",
		URL:     srv.URL,
		Secret:  "s3cret",
		Events:  []string{"process.*"},
		Headers: map[string]string{"X-Extra": "custom"},
	}))
	hook := e.List()[0]

	ev := events.Event{ID: "e1", Type: "process.exit", Time: time.Now(), PID: 4,
		Data: map[string]any{"code": 0}}
	e.Dispatch(ctx, ev)

	require.Eventually(t, func() bool {
		_, total, err := st.ListWebhookLogs(ctx, hook.ID, 10, 0)
		return err == nil && total == 1
	}, 2*time.Second, 10*time.Millisecond)

	body := gotBody.Load().([]byte)
	assert.Equal(t, Sign(body, "s3cret"), gotSig.Load().(string))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "process.exit", payload["event"])
	assert.Equal(t, hook.ID, payload["webhookId"])

	logs, _, err := st.ListWebhookLogs(ctx, hook.ID, 10, 0)
	require.NoError(t, err)
	assert.True(t, logs[0].Success)
	assert.Equal(t, http.StatusNoContent, logs[0].StatusCode)

	assert.NotNil(t, e.Get(hook.ID).LastTriggered)
}

func TestRetriesThenDLQ(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, st, bus := newTestEngine(t, nil)
	ctx := context.Background()
	failedSub := bus.Subscribe(events.EventWebhookFailed, 4)
	defer bus.Unsubscribe(failedSub)

	require.NoError(t, e.Create(ctx, &models.Webhook{
		Name: "flaky", URL: srv.URL, Events: []string{"*"}, RetryCount: 2,
	}))
	hook := e.List()[0]

	e.Dispatch(ctx, events.Event{Type: "skill.failed", Time: time.Now(), Data: map[string]any{}})

	select {
	case ev := <-failedSub.Events():
		assert.Equal(t, hook.ID, ev.Field("webhook_id"))
	case <-time.After(5 * time.Second):
		t.Fatal("no webhook.failed event")
	}

	// retry_count+1 attempts, each logged.
	assert.Equal(t, int32(3), hits.Load())
	_, total, err := st.ListWebhookLogs(ctx, hook.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	entries, dlqTotal, err := e.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, dlqTotal)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "502")

	assert.Equal(t, 1, e.Get(hook.ID).FailureCount)
}

func TestDLQRetry(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Create(ctx, &models.Webhook{
		Name: "recovering", URL: srv.URL, Events: []string{"*"}, RetryCount: 1,
	}))

	e.Dispatch(ctx, events.Event{Type: "cron.fired", Time: time.Now(), Data: map[string]any{}})
	var entryID string
	require.Eventually(t, func() bool {
		entries, total, err := e.ListDLQ(ctx, 10, 0)
		if err != nil || total != 1 {
			return false
		}
		entryID = entries[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// Target still down: retry fails but stamps retried_at.
	ok, err := e.RetryDLQ(ctx, entryID)
	require.NoError(t, err)
	assert.False(t, ok)
	entries, _, err := e.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, entries[0].RetriedAt)

	healthy.Store(true)
	ok, err = e.RetryDLQ(ctx, entryID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.PurgeDLQEntry(ctx, entryID))
	_, total, err := e.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDispatchRespectsFiltersAndEnabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Create(ctx, &models.Webhook{
		Name: "picky", URL: srv.URL,
		Events: []string{"process.exit"},
		Filter: map[string]any{"code": 1},
	}))
	hook := e.List()[0]

	e.Dispatch(ctx, events.Event{Type: "process.exit", Time: time.Now(), Data: map[string]any{"code": 0}})
	e.Dispatch(ctx, events.Event{Type: "process.spawned", Time: time.Now(), Data: map[string]any{"code": 1}})
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, hits.Load())

	e.Dispatch(ctx, events.Event{Type: "process.exit", Time: time.Now(), Data: map[string]any{"code": 1}})
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.SetEnabled(ctx, hook.ID, false))
	e.Dispatch(ctx, events.Event{Type: "process.exit", Time: time.Now(), Data: map[string]any{"code": 1}})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestInboundLifecycle(t *testing.T) {
	var spawned atomic.Int32
	spawn := func(_ context.Context, cfg models.SpawnConfig, _ string) (*models.Process, error) {
		spawned.Add(1)
		return &models.Process{PID: 42, Config: cfg}, nil
	}
	e, _, bus := newTestEngine(t, spawn)
	ctx := context.Background()
	sub := bus.Subscribe(events.EventWebhookInboundTriggered, 4)
	defer bus.Unsubscribe(sub)

	w := &models.InboundWebhook{
		Name:  "deploy-hook",
		Agent: models.SpawnConfig{Role: "deployer", Goal: "ship it"},
	}
	require.NoError(t, e.CreateInbound(ctx, w))
	assert.Len(t, w.Token, 64)

	proc, err := e.HandleInbound(ctx, w.Token, map[string]any{"ref": "main"})
	require.NoError(t, err)
	assert.Equal(t, 42, proc.PID)
	assert.Equal(t, int32(1), spawned.Load())

	ev := <-sub.Events()
	assert.Equal(t, w.ID, ev.Field("inbound_id"))

	got := e.ListInbound()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].TriggerCount)

	// Unknown and disabled tokens are rejected identically.
	_, err = e.HandleInbound(ctx, "bogus", nil)
	assert.ErrorIs(t, err, ErrInboundRejected)
	require.NoError(t, e.SetInboundEnabled(ctx, w.ID, false))
	_, err = e.HandleInbound(ctx, w.Token, nil)
	assert.ErrorIs(t, err, ErrInboundRejected)

	require.NoError(t, e.DeleteInbound(ctx, w.ID))
	assert.Empty(t, e.ListInbound())
}

func TestInboundFailedSpawnDoesNotCountTrigger(t *testing.T) {
	spawn := func(_ context.Context, _ models.SpawnConfig, _ string) (*models.Process, error) {
		return nil, fmt.Errorf("table full")
	}
	e, _, _ := newTestEngine(t, spawn)
	ctx := context.Background()

	w := &models.InboundWebhook{
		Name:  "deploy-hook",
		Agent: models.SpawnConfig{Role: "deployer", Goal: "ship it"},
	}
	require.NoError(t, e.CreateInbound(ctx, w))

	_, err := e.HandleInbound(ctx, w.Token, nil)
	require.Error(t, err)

	got := e.ListInbound()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].TriggerCount)
}

func TestRunSkipsWebhookNamespace(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e, _, bus := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Create(ctx, &models.Webhook{
		Name: "all", URL: srv.URL, Events: []string{"*"},
	}))

	go e.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	bus.Emit(events.EventWebhookFired, 0, map[string]any{})
	bus.Emit(events.EventCronFired, 0, map[string]any{})

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}
