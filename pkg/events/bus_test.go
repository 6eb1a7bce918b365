package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestBusExactSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventProcessSpawned, 8)
	bus.Emit(EventProcessSpawned, 1, map[string]any{"role": "researcher"})
	bus.Emit(EventProcessExit, 1, nil) // must not be delivered

	got := collect(t, sub, 1)
	assert.Equal(t, EventProcessSpawned, got[0].Type)
	assert.Equal(t, 1, got[0].PID)
	assert.Equal(t, "researcher", got[0].Field("role"))
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Time.IsZero())
}

func TestBusPrefixSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("process.*", 8)
	bus.Emit(EventProcessSpawned, 1, nil)
	bus.Emit(EventProcessState, 1, nil)
	bus.Emit(EventCronFired, 0, nil) // different namespace

	got := collect(t, sub, 2)
	assert.Equal(t, EventProcessSpawned, got[0].Type)
	assert.Equal(t, EventProcessState, got[1].Type)
}

func TestBusPrefixMatchesNestedTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("webhook.*", 8)
	bus.Emit(EventWebhookInboundTriggered, 0, nil)

	got := collect(t, sub, 1)
	assert.Equal(t, EventWebhookInboundTriggered, got[0].Type)
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("*", 8)
	bus.Emit(EventProcessSpawned, 1, nil)
	bus.Emit(EventCronFired, 0, nil)

	got := collect(t, sub, 2)
	assert.Equal(t, EventProcessSpawned, got[0].Type)
	assert.Equal(t, EventCronFired, got[1].Type)
}

func TestBusPerPublisherOrdering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("*", 128)
	for i := 0; i < 100; i++ {
		bus.Emit(EventAgentLog, 1, map[string]any{"seq": i})
	}

	got := collect(t, sub, 100)
	for i, evt := range got {
		assert.Equal(t, i, evt.Field("seq"))
	}
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("*", 4)
	for i := 0; i < 10; i++ {
		bus.Emit(EventAgentLog, 1, map[string]any{"seq": i})
	}

	// Buffer holds the 4 newest events; the 6 oldest were evicted.
	got := collect(t, sub, 4)
	assert.Equal(t, 6, got[0].Field("seq"))
	assert.Equal(t, 9, got[3].Field("seq"))
	assert.Equal(t, int64(6), sub.Dropped())
}

func TestBusUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventProcessSpawned, 4)
	bus.Unsubscribe(sub)
	bus.Emit(EventProcessSpawned, 1, nil)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusCloseClosesAllSubscriptions(t *testing.T) {
	bus := NewBus()
	exact := bus.Subscribe(EventProcessExit, 4)
	wild := bus.Subscribe("*", 4)
	prefix := bus.Subscribe("resource.*", 4)

	bus.Close()

	for _, sub := range []*Subscription{exact, wild, prefix} {
		_, ok := <-sub.Events()
		assert.False(t, ok)
	}

	// Publishing after close must not panic.
	bus.Emit(EventProcessExit, 1, nil)
}

func TestBusConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("*", 4096)
	done := make(chan struct{})
	for p := 0; p < 4; p++ {
		go func(p int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				bus.Emit(EventAgentLog, p, map[string]any{"publisher": p, "seq": i})
			}
		}(p)
	}
	for p := 0; p < 4; p++ {
		<-done
	}

	got := collect(t, sub, 400)

	// Per-publisher order is preserved even though publishers interleave.
	lastSeq := map[any]int{}
	for _, evt := range got {
		pub := evt.Field("publisher")
		seq := evt.Field("seq").(int)
		if prev, ok := lastSeq[pub]; ok {
			assert.Greater(t, seq, prev, fmt.Sprintf("publisher %v went backwards", pub))
		}
		lastSeq[pub] = seq
	}
}
