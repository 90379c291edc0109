package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_submitted_total", Help: "Jobs accepted by the submitter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_completed_total", Help: "Jobs that reached COMPLETED"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_retried_total", Help: "Deliveries that failed and were redelivered"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_dead_lettered_total", Help: "Jobs forced to FAILED after exhausting attempts"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Submissions rejected by the owner rate limiter"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "generation_queue_depth", Help: "Waiting messages per queue"}, []string{"queue"})
	InFlight   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "generation_inflight", Help: "Leased messages per queue"}, []string{"queue"})

	EventsPublished    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_events_published_total", Help: "Events published per channel"}, []string{"channel"})
	EventHandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_event_handler_errors_total", Help: "Bridge handler failures per channel"}, []string{"channel"})

	SweepExpired = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_sweep_expired_total", Help: "Stale job records failed by the sweeper"})
	SweepPurged  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_sweep_purged_total", Help: "Queue entries purged by the sweeper"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			RateLimitRejects,
			QueueDepth,
			InFlight,
			EventsPublished,
			EventHandlerErrors,
			SweepExpired,
			SweepPurged,
		)
	})
	return promhttp.Handler()
}
