package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus metric set.
//
// Tracked concerns:
//   - HTTP request throughput and latency per route/status
//   - Tool execution counts and latency per tool
//   - Upstream call counts, latency, and circuit breaker state
//   - Response cache effectiveness
//   - Live counts: active sessions, queue depth, subscribers
type Metrics struct {
	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// UpstreamRequestCounter counts upstream provider calls.
	// Labels: verb, status (success|error|circuit_open)
	UpstreamRequestCounter *prometheus.CounterVec

	// UpstreamRequestDuration measures upstream call latency in seconds.
	// Labels: verb
	UpstreamRequestDuration *prometheus.HistogramVec

	// CircuitState is 0 closed, 1 half-open, 2 open.
	CircuitState prometheus.Gauge

	// CacheHits and CacheMisses count response cache lookups.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// ActiveSessions tracks current non-terminal sessions.
	ActiveSessions prometheus.Gauge

	// QueueDepth tracks pending priority-queue items.
	QueueDepth prometheus.Gauge

	// Subscribers tracks live notification connections.
	Subscribers prometheus.Gauge

	// RateLimitRejections counts 429 responses.
	RateLimitRejections prometheus.Counter

	// WebhookCounter counts webhook deliveries.
	// Labels: provider, outcome (remediated|skipped|duplicate|unauthorized|malformed|error)
	WebhookCounter *prometheus.CounterVec
}

// NewMetrics registers and returns the metric set on a fresh registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		UpstreamRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Upstream provider calls by verb and status.",
		}, []string{"verb", "status"}),

		UpstreamRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"verb"}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_upstream_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_response_cache_hits_total",
			Help: "Response cache hits.",
		}),

		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_response_cache_misses_total",
			Help: "Response cache misses.",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current non-terminal sessions.",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Pending priority-queue items.",
		}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscribers",
			Help: "Live notification subscribers.",
		}),

		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter.",
		}),

		WebhookCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhooks_total",
			Help: "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	return m, reg
}
