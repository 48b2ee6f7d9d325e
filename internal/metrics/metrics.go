package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calltrail"

var (
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhooks received, by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	CallLogWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_log_writes_total",
			Help:      "Call log appends, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	PresenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_errors_total",
			Help:      "Presence store failures, by operation.",
		},
		[]string{"op"},
	)

	QueueEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_enqueues_total",
			Help:      "Reconciliation jobs handed to the queue, by outcome.",
		},
		[]string{"outcome"},
	)

	ReconcileAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_attempts_total",
			Help:      "Reconciliation attempts, by result.",
		},
		[]string{"result"},
	)

	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Finished reconciliation jobs, by terminal state.",
		},
		[]string{"state"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time from job start to terminal state.",
			Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 120},
		},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhookEvents,
		CallLogWrites,
		PresenceErrors,
		QueueEnqueues,
		ReconcileAttempts,
		ReconcileOutcomes,
		ReconcileDuration,
	)
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
