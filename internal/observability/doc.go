// Package observability provides monitoring and debugging capabilities for
// the loom gateway through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Generation runs per provider, model, and terminal status
//   - Token usage (prompt, completion, reasoning)
//   - Streaming chunk throughput and dropped subscribers
//   - Conversation store operation latency
//   - Error rates by component and kind
//   - HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... run generation ...
//	metrics.RecordGeneration("anthropic", "claude-sonnet-4-5", "done",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request, conversation, and run ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddConversationID(ctx, convID)
//	ctx = observability.AddRunID(ctx, runID)
//
//	logger.Info(ctx, "generation started",
//	    "provider", "anthropic",
//	    "model", model,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "provider request failed",
//	    "error", err,
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across components:
//   - Generation runs from HTTP request to provider response
//   - Conversation store operations
//   - Performance bottleneck identification
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "loom",
//	    ServiceVersion: version,
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceGeneration(ctx, "anthropic", model)
//	defer span.End()
//	tracer.SetAttributes(span, "prompt_tokens", 100, "completion_tokens", 500)
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddConversationID(ctx, "conv-456")
//	ctx = observability.AddRunID(ctx, "run-789")
//
//	// IDs automatically appear in logs
//	logger.Info(ctx, "processing") // Includes request_id, conversation_id, run_id
//
//	// Spans inherit context
//	ctx, span := tracer.Start(ctx, "operation")
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
package observability
