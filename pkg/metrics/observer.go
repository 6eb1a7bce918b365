package metrics

import (
	"context"
	"strings"

	"github.com/aether-os/aether/pkg/events"
)

// Observe feeds the collectors from the event bus until ctx ends. Metrics
// ride the same events the rest of the kernel publishes, so no manager
// needs a direct handle on this package.
func (m *Metrics) Observe(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("*", events.DefaultBuffer)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.record(ev)
		}
	}
}

func (m *Metrics) record(ev events.Event) {
	family := ev.Type
	if idx := strings.IndexByte(family, '.'); idx > 0 {
		family = family[:idx]
	}
	m.EventsPublished.WithLabelValues(family).Inc()

	switch ev.Type {
	case events.EventProcessSpawned:
		m.SpawnsTotal.Inc()
	case events.EventProcessQueued:
		m.SpawnsQueued.Inc()
	case events.EventWebhookDelivery:
		if status, ok := ev.Field("status").(string); ok {
			m.WebhookDeliveries.WithLabelValues(status).Inc()
		}
	case events.EventResourceUsage:
		// Per-record deltas; the cumulative fields would double count.
		if in, ok := asFloat(ev.Field("delta_input")); ok {
			m.TokensConsumed.WithLabelValues("input").Add(in)
		}
		if out, ok := asFloat(ev.Field("delta_output")); ok {
			m.TokensConsumed.WithLabelValues("output").Add(out)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
