package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_rate_limit_rejections_total",
			Help: "Requests rejected by the per-key rate limiter.",
		},
		[]string{"plan"},
	)

	slackJobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlpilot_slack_jobs_in_flight",
			Help: "Slack run-and-post jobs currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		rateLimitRejectionsTotal,
		slackJobsInFlight,
	)
}

func IncrementRateLimitRejection(plan string) {
	rateLimitRejectionsTotal.WithLabelValues(plan).Inc()
}

func AddSlackJobsInFlight(delta float64) {
	slackJobsInFlight.Add(delta)
}
