// Package metrics exposes kernel counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the kernel's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProcessesActive   prometheus.Gauge
	SpawnsTotal       prometheus.Counter
	SpawnsQueued      prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	SkillDuration     *prometheus.HistogramVec
	TokensConsumed    *prometheus.CounterVec
	WSConnections     prometheus.Gauge
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ProcessesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_processes_active",
			Help: "Number of non-terminal processes in the table.",
		}),
		SpawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_spawns_total",
			Help: "Total admitted agent spawns.",
		}),
		SpawnsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_spawns_queued_total",
			Help: "Spawn requests parked in the wait queue.",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_events_published_total",
			Help: "Bus events published, by event family.",
		}, []string{"family"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_webhook_deliveries_total",
			Help: "Outbound webhook delivery outcomes.",
		}, []string{"status"}),
		SkillDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_skill_duration_seconds",
			Help:    "Skill execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"skill_id", "success"}),
		TokensConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_tokens_consumed_total",
			Help: "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_ws_connections",
			Help: "Open WebSocket client connections.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
