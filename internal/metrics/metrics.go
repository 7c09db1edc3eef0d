package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgrid_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexgrid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexgrid_jobs_submitted_total",
			Help: "Total number of research jobs submitted.",
		},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgrid_jobs_finished_total",
			Help: "Total number of research jobs reaching a terminal state.",
		},
		[]string{"state"},
	)

	QueueWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexgrid_queue_waiting",
			Help: "Number of jobs waiting in the priority queue.",
		},
	)

	QueueActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexgrid_queue_active",
			Help: "Number of jobs currently held by workers.",
		},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgrid_quota_denials_total",
			Help: "Total number of admission denials.",
		},
		[]string{"reason"},
	)

	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgrid_rate_limit_denials_total",
			Help: "Total number of rate limit window violations.",
		},
		[]string{"resource"},
	)

	ResponseCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgrid_response_cache_lookups_total",
			Help: "Total number of response cache lookups.",
		},
		[]string{"outcome"},
	)

	ExecutorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexgrid_executor_duration_seconds",
			Help:    "Research executor call duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsFinishedTotal,
		QueueWaiting,
		QueueActive,
		QuotaDenialsTotal,
		RateLimitDenialsTotal,
		ResponseCacheLookupsTotal,
		ExecutorDuration,
	)
}
