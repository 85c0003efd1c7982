package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// AnthropicProvider is the driver for Anthropic's Claude API.
//
// Streaming uses the SDK's SSE event union: message_start carries the
// response id and prompt tokens, content_block_delta carries text and
// thinking deltas, message_delta carries completion tokens, message_stop
// closes the stream.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	logger       *observability.Logger
}

const anthropicDefaultModel = "claude-sonnet-4-5"

// anthropicParamKeys is the whitelist of canonical parameters this driver
// accepts. Everything else is dropped silently.
var anthropicParamKeys = []string{
	ParamTemperature,
	ParamTopP,
	ParamTopK,
	ParamMaxOutputTokens,
	ParamStopSequences,
	ParamReasoningEffort,
}

var anthropicCatalog = []ModelInfo{
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", InputLimit: 200000, OutputLimit: 64000,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", InputLimit: 200000, OutputLimit: 32000,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", InputLimit: 200000, OutputLimit: 64000,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", InputLimit: 200000, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
}

// NewAnthropicProvider creates the Claude driver. The credential is
// required; BaseURL and Model overrides are optional.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.Credential == "" {
		return nil, &Error{Kind: KindAuthFailed, Provider: "anthropic", Message: "API key is required"}
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.Credential)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
		logger:       cfg.logger(),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models serves the static catalog; Anthropic has no public listing
// endpoint worth depending on.
func (p *AnthropicProvider) Models(ctx context.Context) []ModelInfo {
	return anthropicCatalog
}

// DefaultParams returns the driver defaults.
func (p *AnthropicProvider) DefaultParams() Params {
	return Params{
		ParamTemperature:     1.0,
		ParamMaxOutputTokens: 4096,
	}
}

// ValidateModel accepts catalog entries and anything with the claude-
// prefix, since dated snapshot ids outnumber the catalog.
func (p *AnthropicProvider) ValidateModel(id string) bool {
	for _, m := range anthropicCatalog {
		if m.ID == id {
			return true
		}
	}
	return strings.HasPrefix(id, "claude-")
}

// Stream issues a streaming generation call.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, model, err := p.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *Chunk)
	go p.processStream(stream, chunks, model)
	return chunks, nil
}

// Complete issues a single blocking generation call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, model, err := p.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Completion{
		Text:       text.String(),
		Usage:      anthropicUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		ResponseID: msg.ID,
		Model:      model,
	}, nil
}

// buildParams normalizes the chain and translates canonical parameters
// into MessageNewParams.
func (p *AnthropicProvider) buildParams(ctx context.Context, req *Request) (anthropic.MessageNewParams, string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	system, turns := Normalize(req)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, model, &Error{
			Kind: KindBadRequest, Provider: "anthropic", Model: model,
			Message: "chain has no sendable turns",
		}
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	accepted := req.Params.Filter(anthropicParamKeys...)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(ctx, p.logger, accepted, "anthropic", model, outputLimit(anthropicCatalog, model), 4096)),
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if v, ok := accepted.Float(ParamTemperature); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := accepted.Float(ParamTopP); ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok := accepted.Int(ParamTopK); ok {
		params.TopK = anthropic.Int(int64(v))
	}
	if v, ok := accepted.StringSlice(ParamStopSequences); ok {
		params.StopSequences = v
	}
	if effort, ok := accepted.String(ParamReasoningEffort); ok {
		if budget := anthropicThinkingBudget(effort); budget > 0 {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		}
	}

	return params, model, nil
}

// anthropicThinkingBudget translates the canonical reasoning_effort into
// an extended-thinking token budget. The API floor is 1024.
func anthropicThinkingBudget(effort string) int64 {
	switch strings.ToLower(effort) {
	case "low":
		return 2048
	case "medium":
		return 8192
	case "high":
		return 16384
	default:
		return 0
	}
}

// processStream converts the SDK's SSE event union into the chunk
// contract. It owns the chunks channel.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	defer close(chunks)

	var inputTokens, outputTokens int
	var responseID string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			responseID = messageStart.Message.ID
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &Chunk{Thinking: delta.Thinking}
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			if usage := anthropicUsage(inputTokens, outputTokens); usage != nil {
				chunks <- &Chunk{Usage: usage}
			}
			chunks <- &Chunk{Done: true, ResponseID: responseID}
			return

		case "error":
			chunks <- &Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: p.wrapError(err, model)}
		return
	}

	// Stream ended without message_stop; treat what we have as complete.
	if usage := anthropicUsage(inputTokens, outputTokens); usage != nil {
		chunks <- &Chunk{Usage: usage}
	}
	chunks <- &Chunk{Done: true, ResponseID: responseID}
}

func anthropicUsage(input, output int) *models.TokenUsage {
	if input == 0 && output == 0 {
		return nil
	}
	return &models.TokenUsage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      input + output,
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError maps SDK errors onto the shared taxonomy, pulling status,
// code, and request id out of the API error payload when present.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			perr = perr.WithMessage(message)
		} else if perr.Message == "" {
			perr = perr.WithMessage("anthropic request failed")
		}
		if code != "" {
			perr = perr.WithCode(code)
		}
		if requestID != "" {
			perr = perr.WithRequestID(requestID)
		}
		return perr
	}

	return NewError("anthropic", model, err)
}
