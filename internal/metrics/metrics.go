package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"api_key_id", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmmux_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_tokens_total",
			Help: "Total tokens reported by backends",
		},
		[]string{"api_key_id", "model"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_upstream_errors_total",
			Help: "Total number of failed backend calls",
		},
		[]string{"backend", "error_type"},
	)

	DiscoverySweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_discovery_polls_total",
			Help: "Discovery polls per server and outcome",
		},
		[]string{"server", "result"},
	)

	DiscoveredModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmmux_discovered_models",
			Help: "Number of models currently in the discovery map",
		},
	)

	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmmux_backend_up",
			Help: "Whether the last discovery poll of a server succeeded (1) or not (0)",
		},
		[]string{"server"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmmux_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"api_key_id"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_auth_failures_total",
			Help: "Rejected requests by reason",
		},
		[]string{"reason"},
	)

	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_key_cache_lookups_total",
			Help: "API key cache lookups by result",
		},
		[]string{"result"},
	)

	ToolCallsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmmux_tool_calls_normalized_total",
			Help: "Tool calls extracted from plain-text message content",
		},
		[]string{"model"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmmux_active_streams",
			Help: "Number of streaming responses currently being piped",
		},
	)
)

func RecordRequest(apiKeyID, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(apiKeyID, model, status).Inc()
	RequestDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordTokens(apiKeyID, model string, tokens int) {
	TokensTotal.WithLabelValues(apiKeyID, model).Add(float64(tokens))
}

func RecordUpstreamError(backend, errorType string) {
	UpstreamErrors.WithLabelValues(backend, errorType).Inc()
}

func RecordDiscoveryPoll(server string, ok bool) {
	result := "success"
	up := 1.0
	if !ok {
		result = "failure"
		up = 0
	}
	DiscoverySweeps.WithLabelValues(server, result).Inc()
	BackendUp.WithLabelValues(server).Set(up)
}

func SetDiscoveredModels(n int) {
	DiscoveredModels.Set(float64(n))
}

func SetCircuitBreakerState(backend string, state int) {
	CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

func RecordRateLimitHit(apiKeyID string) {
	RateLimitHits.WithLabelValues(apiKeyID).Inc()
}

func RecordAuthFailure(reason string) {
	AuthFailures.WithLabelValues(reason).Inc()
}

func RecordKeyCacheLookup(hit bool) {
	if hit {
		KeyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	KeyCacheLookups.WithLabelValues("miss").Inc()
}

func RecordToolCallsNormalized(model string, n int) {
	ToolCallsNormalized.WithLabelValues(model).Add(float64(n))
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
