package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_submitted_total", Help: "Jobs accepted at intake"})
	AdmissionRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_admission_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_retried_total", Help: "Retryable failures re-enqueued with delay"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_dead_lettered_total", Help: "Jobs parked after exhausting retries"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_events_published_total", Help: "Job events published"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_leases_reclaimed_total", Help: "Expired worker leases reclaimed"})

	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Jobs currently leased"})
	DeadLetterDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_dead_letter_depth", Help: "Current dead-letter backlog"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			AdmissionRejects,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			EventsPublished,
			LeasesReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			DeadLetterDepthGauge,
		)
	})
	return promhttp.Handler()
}
