package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Generation request performance and response times per provider
//   - Token consumption by provider, model, and type
//   - Streaming chunk throughput
//   - Error rates categorized by component and error kind
//   - Active generation counts for capacity planning
//   - Conversation store operation latencies
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.GenerationStarted("anthropic")
//	defer metrics.RecordGeneration("anthropic", "claude-sonnet-4-5", "done", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// GenerationCounter counts generation runs by provider, model, and status.
	// Labels: provider, model, status (done|error|cancelled)
	GenerationCounter *prometheus.CounterVec

	// GenerationDuration measures generation latency in seconds from submit
	// to terminal event.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 90s
	GenerationDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion|reasoning)
	TokensUsed *prometheus.CounterVec

	// ChunkCounter counts streaming chunks delivered by provider.
	// Labels: provider
	ChunkCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (provider|orchestrator|store|gateway), kind
	ErrorCounter *prometheus.CounterVec

	// ActiveGenerations is a gauge tracking in-flight generation workers.
	ActiveGenerations prometheus.Gauge

	// SubscriberStalls counts event subscribers cancelled for not draining
	// their queue within the stall window.
	SubscriberStalls prometheus.Counter

	// StoreOpDuration measures conversation store operation latency.
	// Labels: operation (list|load|save|rename|duplicate|delete)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s
	StoreOpDuration *prometheus.HistogramVec

	// StoreOpCounter counts conversation store operations.
	// Labels: operation, status (success|error)
	StoreOpCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup; the metrics
// become available at the /metrics endpoint.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer. Tests use
// this with a fresh registry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GenerationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_generations_total",
				Help: "Total number of generation runs by provider, model, and terminal status",
			},
			[]string{"provider", "model", "status"},
		),

		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_generation_duration_seconds",
				Help:    "Duration of generation runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
			[]string{"provider", "model"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ChunkCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_stream_chunks_total",
				Help: "Total number of streaming chunks delivered by provider",
			},
			[]string{"provider"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "kind"},
		),

		ActiveGenerations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_generations",
				Help: "Current number of in-flight generation workers",
			},
		),

		SubscriberStalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_subscriber_stalls_total",
				Help: "Total number of event subscribers cancelled for stalling",
			},
		),

		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_store_operation_duration_seconds",
				Help:    "Duration of conversation store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),

		StoreOpCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_store_operations_total",
				Help: "Total number of conversation store operations",
			},
			[]string{"operation", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordGeneration records metrics for a completed generation run.
//
// Example:
//
//	start := time.Now()
//	// ... run generation ...
//	metrics.RecordGeneration("anthropic", "claude-sonnet-4-5", "done", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordGeneration(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.GenerationCounter.WithLabelValues(provider, model, status).Inc()
	m.GenerationDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordReasoningTokens adds reasoning token usage for providers that report it.
func (m *Metrics) RecordReasoningTokens(provider, model string, tokens int) {
	if tokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "reasoning").Add(float64(tokens))
	}
}

// RecordChunk increments the streaming chunk counter.
func (m *Metrics) RecordChunk(provider string) {
	m.ChunkCounter.WithLabelValues(provider).Inc()
}

// RecordError increments the error counter for a given component and error kind.
//
// Example:
//
//	metrics.RecordError("provider", "rate_limited")
//	metrics.RecordError("store", "conversation_corrupt")
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

// GenerationStarted increments the active generations gauge.
func (m *Metrics) GenerationStarted() {
	m.ActiveGenerations.Inc()
}

// GenerationEnded decrements the active generations gauge.
func (m *Metrics) GenerationEnded() {
	m.ActiveGenerations.Dec()
}

// RecordSubscriberStall counts a subscriber cancelled for a full queue.
func (m *Metrics) RecordSubscriberStall() {
	m.SubscriberStalls.Inc()
}

// RecordStoreOp records metrics for a conversation store operation.
//
// Example:
//
//	start := time.Now()
//	// ... save conversation ...
//	metrics.RecordStoreOp("save", "success", time.Since(start).Seconds())
func (m *Metrics) RecordStoreOp(operation, status string, durationSeconds float64) {
	m.StoreOpCounter.WithLabelValues(operation, status).Inc()
	m.StoreOpDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("GET", "/v1/conversations", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
