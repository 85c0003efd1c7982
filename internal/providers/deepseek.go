package providers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// DeepSeekProvider is the driver for DeepSeek's API, which speaks the
// OpenAI wire protocol at a different base URL. The reasoner model streams
// its chain of thought as reasoning_content deltas, surfaced as thinking
// chunks.
type DeepSeekProvider struct {
	client       *openai.Client
	defaultModel string
	logger       *observability.Logger
}

const (
	deepseekBaseURL      = "https://api.deepseek.com/v1"
	deepseekDefaultModel = "deepseek-chat"
)

// deepseekParamKeys is the whitelist of canonical parameters this driver
// accepts. DeepSeek supports neither top_k nor seed; the reasoner model
// additionally ignores sampling parameters server-side.
var deepseekParamKeys = []string{
	ParamTemperature,
	ParamTopP,
	ParamMaxOutputTokens,
	ParamFrequencyPenalty,
	ParamPresencePenalty,
	ParamStopSequences,
	ParamResponseFormat,
}

var deepseekCatalog = []ModelInfo{
	{ID: "deepseek-chat", DisplayName: "DeepSeek Chat", InputLimit: 65536, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming}},
	{ID: "deepseek-reasoner", DisplayName: "DeepSeek Reasoner", InputLimit: 65536, OutputLimit: 65536,
		Capabilities: []string{CapabilityStreaming, CapabilityReasoning}},
}

// NewDeepSeekProvider creates the DeepSeek driver. The credential is
// required; BaseURL defaults to the public DeepSeek endpoint.
func NewDeepSeekProvider(cfg Config) (*DeepSeekProvider, error) {
	if cfg.Credential == "" {
		return nil, &Error{Kind: KindAuthFailed, Provider: "deepseek", Message: "API key is required"}
	}

	clientConfig := openai.DefaultConfig(cfg.Credential)
	clientConfig.BaseURL = deepseekBaseURL
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = deepseekDefaultModel
	}

	return &DeepSeekProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: model,
		logger:       cfg.logger(),
	}, nil
}

// Name returns "deepseek".
func (p *DeepSeekProvider) Name() string {
	return "deepseek"
}

// Models queries the remote listing endpoint and falls back to the static
// catalog when it fails.
func (p *DeepSeekProvider) Models(ctx context.Context) []ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.Warn(ctx, "model listing failed, serving static catalog",
			"provider", "deepseek",
			"kind", string(KindOf(wrapOpenAICompatibleError("deepseek", "", err))),
			"error", err,
		)
		return deepseekCatalog
	}

	known := make(map[string]ModelInfo, len(deepseekCatalog))
	for _, m := range deepseekCatalog {
		known[m.ID] = m
	}

	var out []ModelInfo
	for _, remote := range list.Models {
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
		return deepseekCatalog
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultParams returns the driver defaults.
func (p *DeepSeekProvider) DefaultParams() Params {
	return Params{
		ParamTemperature:     1.0,
		ParamMaxOutputTokens: 4096,
	}
}

// ValidateModel accepts catalog entries and anything with the deepseek-
// prefix.
func (p *DeepSeekProvider) ValidateModel(id string) bool {
	for _, m := range deepseekCatalog {
		if m.ID == id {
			return true
		}
	}
	return strings.HasPrefix(id, "deepseek-")
}

// Stream issues a streaming generation call.
func (p *DeepSeekProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq, model, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAICompatibleError("deepseek", model, err)
	}

	chunks := make(chan *Chunk)
	go processOpenAIStream(stream, chunks, "deepseek", model)
	return chunks, nil
}

// Complete issues a single blocking generation call.
func (p *DeepSeekProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	chatReq, model, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAICompatibleError("deepseek", model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Kind: KindServerError, Provider: "deepseek", Model: model,
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

func (p *DeepSeekProvider) buildRequest(ctx context.Context, req *Request) (openai.ChatCompletionRequest, string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	system, turns := Normalize(req)
	if len(turns) == 0 {
		return openai.ChatCompletionRequest{}, model, &Error{
			Kind: KindBadRequest, Provider: "deepseek", Model: model,
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

	accepted := req.Params.Filter(deepseekParamKeys...)
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens(ctx, p.logger, accepted, "deepseek", model, outputLimit(deepseekCatalog, model), 4096),
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
	if v, ok := accepted.String(ParamResponseFormat); ok {
		if format := openaiResponseFormat(v); format != nil {
			chatReq.ResponseFormat = format
		}
	}

	return chatReq, model, nil
}
