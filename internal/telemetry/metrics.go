package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs persisted by the enqueue guard"}, []string{"queue", "job_type"})
	DuplicateIntents  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_duplicate_intent_total", Help: "Enqueues rejected because a non-terminal job holds the idempotency key"})
	TransportFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transport_push_failures_total", Help: "Best-effort transport pushes that failed"}, []string{"op"})
	JobOutcomes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dispatched_total", Help: "Dispatch outcomes by job type"}, []string{"job_type", "outcome"})
	SweepRedeliveries = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_sweep_redelivered_total", Help: "Queued jobs re-pushed by the sweeper"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across lanes"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by this worker"})
	WebhooksIngested  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_ingested_total", Help: "Inbound webhook payloads persisted"}, []string{"source", "parsed"})
	WebhooksDeferred  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_deferred_total", Help: "Webhooks accepted over the source rate and processed later"}, []string{"source"})
	LifecycleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sim_lifecycle_requests_total", Help: "SIM lifecycle action requests by outcome"}, []string{"action", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			DuplicateIntents,
			TransportFailures,
			JobOutcomes,
			SweepRedeliveries,
			QueueDepthGauge,
			InFlightGauge,
			WebhooksIngested,
			WebhooksDeferred,
			LifecycleRequests,
		)
	})
	return promhttp.Handler()
}
