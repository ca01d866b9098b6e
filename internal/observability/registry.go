package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// This replaces direct access to global Prometheus metrics with dependency injection.
type MetricsRegistry interface {
	// HTTP request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Selection metrics
	IncrementSelections(outcome, deviceClass string)
	IncrementFallbacks(source string)

	// Delivery state machine metrics
	IncrementTransitions(from, to string)
	IncrementPreemptions()
	IncrementBudgetRejections(reason string)

	// Spend and demand
	SetSpendTotal(campaign string, amount float64)
	SetDemandLevel(level float64)

	// Device sync metrics
	IncrementQueuePulls(status string)
	IncrementPlaybackReports(result string)
	IncrementRateLimitHits()

	// Telemetry failure paths
	IncrementPriorUpdateErrors()
	IncrementOracleCalls(oracle, outcome string)

	// Worker queue
	IncrementWorkerJobsDropped()
	SetWorkerQueueDepth(depth int)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics.
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry.
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementSelections(outcome, deviceClass string) {
	SelectionCount.WithLabelValues(outcome, deviceClass).Inc()
}

func (r *PrometheusRegistry) IncrementFallbacks(source string) {
	FallbackCount.WithLabelValues(source).Inc()
}

func (r *PrometheusRegistry) IncrementTransitions(from, to string) {
	DeliveryTransitions.WithLabelValues(from, to).Inc()
}

func (r *PrometheusRegistry) IncrementPreemptions() {
	PreemptionCount.Inc()
}

func (r *PrometheusRegistry) IncrementBudgetRejections(reason string) {
	BudgetRejections.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(campaign string, amount float64) {
	SpendTotal.WithLabelValues(campaign).Set(amount)
}

func (r *PrometheusRegistry) SetDemandLevel(level float64) {
	DemandLevel.Set(level)
}

func (r *PrometheusRegistry) IncrementQueuePulls(status string) {
	QueuePullCount.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementPlaybackReports(result string) {
	PlaybackReports.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits() {
	RateLimitHits.Inc()
}

func (r *PrometheusRegistry) IncrementPriorUpdateErrors() {
	PriorUpdateErrors.Inc()
}

func (r *PrometheusRegistry) IncrementOracleCalls(oracle, outcome string) {
	OracleCalls.WithLabelValues(oracle, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementWorkerJobsDropped() {
	WorkerJobsDropped.Inc()
}

func (r *PrometheusRegistry) SetWorkerQueueDepth(depth int) {
	WorkerQueueDepth.Set(float64(depth))
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing.
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry.
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementSelections(outcome, deviceClass string)                      {}
func (r *NoOpRegistry) IncrementFallbacks(source string)                                     {}
func (r *NoOpRegistry) IncrementTransitions(from, to string)                                 {}
func (r *NoOpRegistry) IncrementPreemptions()                                                {}
func (r *NoOpRegistry) IncrementBudgetRejections(reason string)                              {}
func (r *NoOpRegistry) SetSpendTotal(campaign string, amount float64)                        {}
func (r *NoOpRegistry) SetDemandLevel(level float64)                                         {}
func (r *NoOpRegistry) IncrementQueuePulls(status string)                                    {}
func (r *NoOpRegistry) IncrementPlaybackReports(result string)                               {}
func (r *NoOpRegistry) IncrementRateLimitHits()                                              {}
func (r *NoOpRegistry) IncrementPriorUpdateErrors()                                          {}
func (r *NoOpRegistry) IncrementOracleCalls(oracle, outcome string)                          {}
func (r *NoOpRegistry) IncrementWorkerJobsDropped()                                          {}
func (r *NoOpRegistry) SetWorkerQueueDepth(depth int)                                        {}
