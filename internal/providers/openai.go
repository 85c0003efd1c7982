package providers

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is the driver for OpenAI's chat completions API.
//
// Key differences from the Anthropic driver: the system instruction rides
// the message list as a leading system-role turn, usage arrives on a
// trailing stream chunk (StreamOptions.IncludeUsage), and the model
// catalog is fetched from the remote listing endpoint when reachable.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	logger       *observability.Logger
}

const openaiDefaultModel = "gpt-4o"

// openaiParamKeys is the whitelist of canonical parameters this driver
// accepts; top_k is not part of the OpenAI API and is dropped.
var openaiParamKeys = []string{
	ParamTemperature,
	ParamTopP,
	ParamMaxOutputTokens,
	ParamFrequencyPenalty,
	ParamPresencePenalty,
	ParamStopSequences,
	ParamSeed,
	ParamResponseFormat,
	ParamReasoningEffort,
}

var openaiCatalog = []ModelInfo{
	{ID: "gpt-4o", DisplayName: "GPT-4o", InputLimit: 128000, OutputLimit: 16384,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", InputLimit: 128000, OutputLimit: 16384,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "gpt-4.1", DisplayName: "GPT-4.1", InputLimit: 1047576, OutputLimit: 32768,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "gpt-4.1-mini", DisplayName: "GPT-4.1 mini", InputLimit: 1047576, OutputLimit: 32768,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "o3", DisplayName: "o3", InputLimit: 200000, OutputLimit: 100000,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "o4-mini", DisplayName: "o4-mini", InputLimit: 200000, OutputLimit: 100000,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
}

// openaiChatPrefixes are the id prefixes accepted as chat-capable when the
// remote listing returns models outside the static catalog.
var openaiChatPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "o4"}

// NewOpenAIProvider creates the OpenAI driver. The credential is required;
// BaseURL redirects the client at OpenAI-compatible endpoints (proxies,
// test servers).
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.Credential == "" {
		return nil, &Error{Kind: KindAuthFailed, Provider: "openai", Message: "API key is required"}
	}

	clientConfig := openai.DefaultConfig(cfg.Credential)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openaiDefaultModel
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: model,
		logger:       cfg.logger(),
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models queries the remote listing endpoint and falls back to the static
// catalog when it fails. Remote ids are enriched with limits from the
// catalog where known.
func (p *OpenAIProvider) Models(ctx context.Context) []ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.Warn(ctx, "model listing failed, serving static catalog",
			"provider", "openai",
			"kind", string(KindOf(p.wrapError(err, ""))),
			"error", err,
		)
		return openaiCatalog
	}

	known := make(map[string]ModelInfo, len(openaiCatalog))
	for _, m := range openaiCatalog {
		known[m.ID] = m
	}

	var out []ModelInfo
	for _, remote := range list.Models {
		if !hasAnyPrefix(remote.ID, openaiChatPrefixes) {
			continue
		}
		if m, ok := known[remote.ID]; ok {
			out = append(out, m)
			continue
		}
		out = append(out, ModelInfo{
			ID:           remote.ID,
			DisplayName:  remote.ID,
			Capabilities: []string{CapabilityStreaming},
		})
	}
	if len(out) == 0 {
		return openaiCatalog
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultParams returns the driver defaults.
func (p *OpenAIProvider) DefaultParams() Params {
	return Params{
		ParamTemperature:     1.0,
		ParamMaxOutputTokens: 4096,
	}
}

// ValidateModel accepts catalog entries and ids with known chat prefixes.
func (p *OpenAIProvider) ValidateModel(id string) bool {
	for _, m := range openaiCatalog {
		if m.ID == id {
			return true
		}
	}
	return hasAnyPrefix(id, openaiChatPrefixes)
}

// Stream issues a streaming generation call.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq, model, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go processOpenAIStream(stream, chunks, "openai", model)
	return chunks, nil
}

// Complete issues a single blocking generation call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	chatReq, model, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Kind: KindServerError, Provider: "openai", Model: model,
			Message: "response contained no choices",
		}
	}

	return &Completion{
		Text:       resp.Choices[0].Message.Content,
		Usage:      openaiUsage(&resp.Usage),
		ResponseID: resp.ID,
		Model:      model,
	}, nil
}

// buildRequest normalizes the chain and translates canonical parameters
// into a ChatCompletionRequest shared by both call paths.
func (p *OpenAIProvider) buildRequest(ctx context.Context, req *Request) (openai.ChatCompletionRequest, string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	system, turns := Normalize(req)
	if len(turns) == 0 {
		return openai.ChatCompletionRequest{}, model, &Error{
			Kind: KindBadRequest, Provider: "openai", Model: model,
			Message: "chain has no sendable turns",
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	accepted := req.Params.Filter(openaiParamKeys...)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}

	tokens := maxTokens(ctx, p.logger, accepted, "openai", model, outputLimit(openaiCatalog, model), 4096)
	// Reasoning models reject max_tokens in favor of max_completion_tokens.
	if hasAnyPrefix(model, []string{"o1", "o3", "o4"}) {
		chatReq.MaxCompletionTokens = tokens
	} else {
		chatReq.MaxTokens = tokens
	}

	if v, ok := accepted.Float(ParamTemperature); ok {
		chatReq.Temperature = float32(v)
	}
	if v, ok := accepted.Float(ParamTopP); ok {
		chatReq.TopP = float32(v)
	}
	if v, ok := accepted.Float(ParamFrequencyPenalty); ok {
		chatReq.FrequencyPenalty = float32(v)
	}
	if v, ok := accepted.Float(ParamPresencePenalty); ok {
		chatReq.PresencePenalty = float32(v)
	}
	if v, ok := accepted.StringSlice(ParamStopSequences); ok {
		chatReq.Stop = v
	}
	if v, ok := accepted.Int(ParamSeed); ok {
		seed := v
		chatReq.Seed = &seed
	}
	if v, ok := accepted.String(ParamResponseFormat); ok {
		if format := openaiResponseFormat(v); format != nil {
			chatReq.ResponseFormat = format
		}
	}
	if v, ok := accepted.String(ParamReasoningEffort); ok {
		chatReq.ReasoningEffort = v
	}

	return chatReq, model, nil
}

func openaiResponseFormat(v string) *openai.ChatCompletionResponseFormat {
	switch strings.ToLower(v) {
	case "json", "json_object":
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	case "text":
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeText}
	default:
		return nil
	}
}

// processOpenAIStream converts a go-openai stream into the chunk contract
// for every driver speaking the OpenAI wire protocol. It owns the chunks
// channel.
func processOpenAIStream(stream *openai.ChatCompletionStream, chunks chan<- *Chunk, provider, model string) {
	defer close(chunks)
	defer stream.Close()

	var usage *models.TokenUsage
	var responseID string

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if usage != nil {
					chunks <- &Chunk{Usage: usage}
				}
				chunks <- &Chunk{Done: true, ResponseID: responseID}
				return
			}
			chunks <- &Chunk{Err: wrapOpenAICompatibleError(provider, model, err)}
			return
		}

		if responseID == "" && response.ID != "" {
			responseID = response.ID
		}
		// With IncludeUsage set, the final data chunk carries usage and no
		// choices.
		if response.Usage != nil {
			usage = openaiUsage(response.Usage)
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.ReasoningContent != "" {
			chunks <- &Chunk{Thinking: delta.ReasoningContent}
		}
		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}
	}
}

// openaiUsage renames the SDK usage shape into the uniform accounting.
func openaiUsage(u *openai.Usage) *models.TokenUsage {
	if u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0) {
		return nil
	}
	usage := &models.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}

// wrapError maps SDK errors onto the shared taxonomy.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	return wrapOpenAICompatibleError("openai", model, err)
}

// wrapOpenAICompatibleError handles go-openai error types for every driver
// speaking the OpenAI wire protocol.
func wrapOpenAICompatibleError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewError(provider, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		} else if apiErr.Type != "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(provider, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewError(provider, model, err)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
