package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doohserve_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// selection engine outcomes per device class
	SelectionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_selections_total",
			Help: "Total slot selections by outcome",
		},
		[]string{"outcome", "device_class"},
	)

	// fallback content served in place of a scheduled delivery
	FallbackCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_fallbacks_total",
			Help: "Total fallback content selections",
		},
		[]string{"source"},
	)

	// delivery state machine transitions
	DeliveryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_delivery_transitions_total",
			Help: "Total delivery state transitions",
		},
		[]string{"from", "to"},
	)

	// lower-priority deliveries cancelled to make room
	PreemptionCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "doohserve_preemptions_total",
			Help: "Total deliveries cancelled by higher-priority preemption",
		},
	)

	// slots rejected by the pre-commit budget guard
	BudgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_budget_rejections_total",
			Help: "Total campaigns rejected by the budget guard",
		},
		[]string{"reason"},
	)

	// spend tracked per campaign
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doohserve_spend_total",
			Help: "Total spend recorded per campaign",
		},
		[]string{"campaign"},
	)

	// current demand level fed into pricing
	DemandLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "doohserve_demand_level",
			Help: "Fraction of slots reserved in the next hour",
		},
	)

	// queue pull requests by status
	QueuePullCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_queue_pulls_total",
			Help: "Total device queue pulls",
		},
		[]string{"status"},
	)

	// playback reports by result state
	PlaybackReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_playback_reports_total",
			Help: "Total playback reports applied",
		},
		[]string{"result"},
	)

	// rate limit hits per device
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "doohserve_ratelimit_hits_total",
			Help: "Total queue pulls rejected by rate limiting",
		},
	)

	// failures persisting performance counters (fail-open path)
	PriorUpdateErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "doohserve_prior_update_errors_total",
			Help: "Total performance store update failures",
		},
	)

	// oracle calls by oracle name and outcome
	OracleCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doohserve_oracle_calls_total",
			Help: "Total AI oracle calls",
		},
		[]string{"oracle", "outcome"},
	)

	// telemetry jobs dropped because the worker queue was full
	WorkerJobsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "doohserve_worker_jobs_dropped_total",
			Help: "Total jobs rejected by the bounded worker queue",
		},
	)

	// depth of the bounded worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "doohserve_worker_queue_depth",
			Help: "Current depth of the telemetry worker queue",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		SelectionCount,
		FallbackCount,
		DeliveryTransitions,
		PreemptionCount,
		BudgetRejections,
		SpendTotal,
		DemandLevel,
		QueuePullCount,
		PlaybackReports,
		RateLimitHits,
		PriorUpdateErrors,
		OracleCalls,
		WorkerJobsDropped,
		WorkerQueueDepth,
	)
}
