// Package metrics provides Prometheus metrics for drug history derivation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	EventsGenerated       prometheus.Counter
	SnapshotsTaken        prometheus.Counter
	DerivationsFailed     prometheus.Counter
	DerivationDuration    prometheus.Histogram
	TriggerEvaluations    *prometheus.CounterVec
	RegimenMatches        prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		EventsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drug_events_generated_total",
			Help: "Total drug events generated from observations",
		}),
		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drug_snapshots_taken_total",
			Help: "Total drug snapshots written",
		}),
		DerivationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivations_failed_total",
			Help: "Total failed derivation runs",
		}),
		DerivationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "derivation_duration_seconds",
			Help:    "Per-person derivation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TriggerEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_evaluations_total",
			Help: "Trigger evaluations by trigger name",
		}, []string{"trigger"}),
		RegimenMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimen_matches_total",
			Help: "Total regimen matches returned",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.EventsGenerated,
		m.SnapshotsTaken,
		m.DerivationsFailed,
		m.DerivationDuration,
		m.TriggerEvaluations,
		m.RegimenMatches,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
