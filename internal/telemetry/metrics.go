package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_transitions_total", Help: "Successful job status transitions"})
	TransitionConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_transition_conflicts_total", Help: "Transitions rejected by CAS conflict"})
	DispatchSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_sent_total", Help: "External messages accepted by the provider"})
	DispatchFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_failures_total", Help: "Dispatch attempts that failed"})
	DispatchSuppressed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_suppressed_total", Help: "Sends suppressed by the ledger (duplicate key, replay, or exhausted budget)"})
	WebhookReceived     = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Inbound provider callbacks received"})
	WebhookDuplicates   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_duplicates_total", Help: "Callbacks deduplicated as redeliveries"})
	WebhookQuarantined  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_quarantined_total", Help: "Callbacks quarantined as unmappable"})
	OutboxCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_completed_total", Help: "Outbox entries completed"})
	OutboxFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_failures_total", Help: "Outbox handler attempts that failed"})
	JobsReleased        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_released_total", Help: "Jobs released to timeout-review by the deadlock sweep"})
	StuckJobsGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_stuck", Help: "Jobs currently stuck past the staleness threshold"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionSuccess,
			TransitionConflicts,
			DispatchSent,
			DispatchFailures,
			DispatchSuppressed,
			WebhookReceived,
			WebhookDuplicates,
			WebhookQuarantined,
			OutboxCompleted,
			OutboxFailures,
			JobsReleased,
			StuckJobsGauge,
		)
	})
	return promhttp.Handler()
}
