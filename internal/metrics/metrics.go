// Package metrics exposes Prometheus instrumentation for the reconciliation
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine emits.
type Metrics struct {
	BatchesTotal          prometheus.Counter
	BatchDuration         prometheus.Histogram
	TransactionsByOutcome *prometheus.CounterVec
	MatchesByMethod       *prometheus.CounterVec
	AICallsTotal          *prometheus.CounterVec
	WebhookEvents         *prometheus.CounterVec
	WebhookRejected       prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "batches_total",
			Help:      "Completed batch reconciliation runs.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recon",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch reconciliation run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		TransactionsByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "transactions_total",
			Help:      "Transactions processed by batch runs, by outcome.",
		}, []string{"outcome"}),
		MatchesByMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "matches_total",
			Help:      "Match decisions, by method.",
		}, []string{"method"}),
		AICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "ai_calls_total",
			Help:      "AI assist invocations, by result.",
		}, []string{"result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "webhook_events_total",
			Help:      "Webhook events received, by resource type and result.",
		}, []string{"resource", "result"}),
		WebhookRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "webhook_rejected_total",
			Help:      "Webhook deliveries rejected for a bad signature.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BatchesTotal, m.BatchDuration, m.TransactionsByOutcome,
			m.MatchesByMethod, m.AICallsTotal, m.WebhookEvents, m.WebhookRejected,
		)
	}
	return m
}

// NewNop returns unregistered collectors, for tests and the CLI.
func NewNop() *Metrics {
	return New(nil)
}
