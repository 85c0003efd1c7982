// Package providers implements the LLM provider abstraction for the Loom
// gateway.
//
// Each remote service (Anthropic, OpenAI, DeepSeek, Google Gemini, AWS
// Bedrock) gets a driver that translates the normalized conversation chain
// into the provider's wire format, adapts its streaming protocol onto a
// single chunk channel, renames its token accounting into the uniform
// shape, and maps its failures onto the shared error taxonomy.
//
// Drivers never retry; retry policy lives in the orchestrator. Drivers
// never mutate conversations; they see an immutable chain snapshot and
// return text.
package providers

import (
	"context"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Provider is the uniform contract implemented by every driver.
//
// Thread safety: implementations are safe for concurrent use; each Stream
// call creates an independent goroutine and channel.
type Provider interface {
	// Name returns the stable lowercase provider identifier used for
	// routing, logging, and metrics.
	Name() string

	// Models returns the model catalog. Drivers with a remote listing
	// endpoint query it and fall back to a static catalog on failure,
	// logging the observed error kind; drivers without one serve the
	// static catalog directly.
	Models(ctx context.Context) []ModelInfo

	// DefaultParams returns the driver's default generation parameters,
	// keyed by canonical names.
	DefaultParams() Params

	// ValidateModel reports whether the model id is plausibly served by
	// this provider.
	ValidateModel(id string) bool

	// Stream issues a streaming generation call. The returned channel
	// yields text deltas in provider order, at most one usage chunk, and
	// exactly one terminal chunk (Done or Err), then closes. Setup
	// failures are returned synchronously instead.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Complete issues a single blocking generation call.
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// ModelInfo describes one entry of a provider's model catalog.
type ModelInfo struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	InputLimit   int      `json:"input_limit"`
	OutputLimit  int      `json:"output_limit"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Supports reports whether the model advertises a capability.
func (m ModelInfo) Supports(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Capability names used in ModelInfo.Capabilities.
const (
	CapabilityStreaming = "streaming"
	CapabilityVision    = "vision"
	CapabilityReasoning = "reasoning"
)

// Request is one generation call: the chain snapshot to send, the model,
// and the caller's parameter set.
//
// Chain is the root→leaf message sequence produced by the conversation
// graph. Drivers normalize it (role collapse, system lift, empty-message
// drops, attachment flattening) before translation; see Normalize.
type Request struct {
	Model string

	// SystemInstruction overrides the chain's leading system message when
	// non-empty.
	SystemInstruction string

	Chain []*models.Message

	// Params holds canonical generation parameters. Drivers filter them
	// against their whitelist and translate the survivors.
	Params Params
}

// Chunk is one element of a driver's streaming response.
//
// Ordering per stream: zero or more text/thinking chunks, at most one
// usage chunk, then exactly one terminal chunk (Done=true or Err set).
// Drivers must not send anything after the terminal chunk.
type Chunk struct {
	// Text is a content delta, in provider order.
	Text string

	// Thinking is a reasoning delta for models that expose intermediate
	// steps (Claude extended thinking, DeepSeek reasoner).
	Thinking string

	// Usage carries the uniform token accounting when the provider
	// reports it. Emitted at most once, before Done.
	Usage *models.TokenUsage

	// Done marks successful stream completion.
	Done bool

	// ResponseID is the provider's correlation id, set on the Done chunk
	// when known.
	ResponseID string

	// Err terminates the stream with a failure. The accumulated text up
	// to this point is still meaningful to the caller.
	Err error
}

// Completion is the result of a blocking (non-streaming) generation call.
type Completion struct {
	Text       string
	Usage      *models.TokenUsage
	ResponseID string
	Model      string
}

// Config carries the credential handle and overrides a driver is
// constructed with. Unused fields are ignored by drivers that do not
// need them.
type Config struct {
	// Credential is the provider API key, or the AWS access key id for
	// bedrock.
	Credential string

	// SecretKey is the AWS secret access key (bedrock only).
	SecretKey string

	// SessionToken is the optional AWS session token (bedrock only).
	SessionToken string

	// Region is the AWS region (bedrock only, default us-east-1).
	Region string

	// BaseURL overrides the provider endpoint, for proxies and tests.
	BaseURL string

	// Model overrides the driver's default model.
	Model string

	// Logger receives clamp warnings and catalog-fallback notices.
	// Defaults to a no-op logger when nil.
	Logger *observability.Logger
}

func (c Config) logger() *observability.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return observability.NewNopLogger()
}
