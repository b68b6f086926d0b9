// Package metrics registers the Prometheus metrics used by the gateway.
// All collectors register on the default registry at init, so mounting
// promhttp.Handler() exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes used as the status label of RequestsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed gateway calls labelled by the provider
	// that served (or last failed) them, model, endpoint ("chat",
	// "embedding") and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "endpoint", "status"},
	)

	// RequestDuration observes dispatch-to-result latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgw_request_duration_seconds",
			Help:    "Request latency from first dispatch to final result, in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "endpoint"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts failed provider attempts by error type
	// ("timeout", "transport", "status_4xx", "status_5xx", "rate_limited").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_provider_errors_total",
			Help: "Total provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// Failovers counts candidates abandoned in favour of the next provider.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_failovers_total",
			Help: "Total failovers away from a provider.",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts dispatches blocked by a provider's window.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_rate_limit_rejections_total",
			Help: "Total requests rejected by per-provider rate limiting.",
		},
		[]string{"provider"},
	)

	// UsageWriteFailures counts usage records that could not be persisted.
	UsageWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgw_usage_write_failures_total",
			Help: "Total usage records dropped because the writer failed.",
		},
	)

	// ModelSyncs counts model catalog syncs by result ("ok", "error").
	ModelSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_model_syncs_total",
			Help: "Total provider model syncs.",
		},
		[]string{"provider", "result"},
	)
)

// ErrorType buckets an HTTP-like status for ProviderErrors.
func ErrorType(status int) string {
	switch {
	case status == 429:
		return "rate_limited"
	case status == 504:
		return "timeout"
	case status == 0 || status == 502:
		return "transport"
	case status >= 500:
		return "status_5xx"
	default:
		return "status_4xx"
	}
}
