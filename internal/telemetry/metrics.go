package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_submissions_total", Help: "Fine-tune requests accepted and queued"})
	SubmissionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_submissions_rejected_total", Help: "Fine-tune requests rejected before queuing"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried         = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_jobs_retried_total", Help: "Job messages scheduled for redelivery"})
	JobsDeadLettered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "finetune_jobs_dead_letter_total", Help: "Job messages moved to the DLQ"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "finetune_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "finetune_jobs_inflight", Help: "Job messages currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			SubmissionsRejected,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
