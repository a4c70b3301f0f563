// Package metrics exposes Prometheus metrics for the dispatch and resilience
// layer: request outcomes, retry attempts, breaker transitions, rate-limit
// decisions, and provider health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelrelay"

// LatencyBuckets covers the spread between cache-fast denials and slow
// upstream completions.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1, 2.5, 5, 10, 30, 60, 120, 300,
}

var (
	// DispatchRequests counts dispatched requests by final outcome.
	DispatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Dispatched requests by model, provider, and outcome",
		},
		[]string{"endpoint", "model", "provider", "outcome"},
	)

	// DispatchDuration tracks end-to-end dispatch latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"endpoint", "model"},
	)

	// RetryAttempts counts executor attempts per provider.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Outbound call attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerState reports the current breaker state (0 closed, 1 open,
	// 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// RateLimitDecisions counts limiter admissions and denials.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions by endpoint and verdict",
		},
		[]string{"endpoint", "verdict"},
	)

	// ProviderHealthy reports provider availability (1 in rotation, 0 out).
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Whether the provider is in rotation (1) or not (0)",
		},
		[]string{"provider"},
	)
)

// ObserveProviderHealth records whether a provider is taking traffic.
func ObserveProviderHealth(provider string, inRotation bool) {
	v := 0.0
	if inRotation {
		v = 1
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
}

// ObserveAttempt records one executor attempt.
func ObserveAttempt(provider string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	RetryAttempts.WithLabelValues(provider, result).Inc()
}

// ObserveBreakerTransition records a state change and updates the gauge.
func ObserveBreakerTransition(name, from, to string, toValue float64) {
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
	BreakerState.WithLabelValues(name).Set(toValue)
}

// ObserveRateLimit records one limiter decision.
func ObserveRateLimit(endpoint string, allowed bool) {
	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	RateLimitDecisions.WithLabelValues(endpoint, verdict).Inc()
}
