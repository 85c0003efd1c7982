package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
	"google.golang.org/genai"
)

// GoogleProvider is the driver for Google's Gemini API via the Gen AI SDK.
// Streaming uses the SDK's Go 1.23 iterator; the system instruction rides
// the GenerateContentConfig side channel.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	logger       *observability.Logger
}

const googleDefaultModel = "gemini-2.5-flash"

// googleParamKeys is the whitelist of canonical parameters this driver
// accepts. reasoning_effort has no Gemini translation and is dropped.
var googleParamKeys = []string{
	ParamTemperature,
	ParamTopP,
	ParamTopK,
	ParamMaxOutputTokens,
	ParamFrequencyPenalty,
	ParamPresencePenalty,
	ParamStopSequences,
	ParamSeed,
	ParamResponseFormat,
}

var googleCatalog = []ModelInfo{
	{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", InputLimit: 1048576, OutputLimit: 65536,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", InputLimit: 1048576, OutputLimit: 65536,
		Capabilities: []string{CapabilityStreaming, CapabilityVision, CapabilityReasoning}},
	{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", InputLimit: 1048576, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", InputLimit: 2097152, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
}

// NewGoogleProvider creates the Gemini driver. The credential is required.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if cfg.Credential == "" {
		return nil, &Error{Kind: KindAuthFailed, Provider: "google", Message: "API key is required"}
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.Credential,
		Backend: genai.BackendGeminiAPI,
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, NewError("google", "", err).WithKind(KindConfigInvalid)
	}

	model := cfg.Model
	if model == "" {
		model = googleDefaultModel
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: model,
		logger:       cfg.logger(),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models serves the static catalog.
func (p *GoogleProvider) Models(ctx context.Context) []ModelInfo {
	return googleCatalog
}

// DefaultParams returns the driver defaults.
func (p *GoogleProvider) DefaultParams() Params {
	return Params{
		ParamTemperature:     1.0,
		ParamTopP:            0.95,
		ParamMaxOutputTokens: 8192,
	}
}

// ValidateModel accepts catalog entries and anything with the gemini-
// prefix, with or without the API's models/ resource prefix.
func (p *GoogleProvider) ValidateModel(id string) bool {
	id = strings.TrimPrefix(id, "models/")
	for _, m := range googleCatalog {
		if m.ID == id {
			return true
		}
	}
	return strings.HasPrefix(id, "gemini-")
}

// Stream issues a streaming generation call.
func (p *GoogleProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	contents, config, model, err := p.buildCall(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		var usage *models.TokenUsage
		var responseID string

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				chunks <- &Chunk{Err: p.wrapError(err, model)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.ResponseID != "" {
				responseID = resp.ResponseID
			}
			if u := googleUsage(resp.UsageMetadata); u != nil {
				usage = u
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil || part.Text == "" {
						continue
					}
					if part.Thought {
						chunks <- &Chunk{Thinking: part.Text}
					} else {
						chunks <- &Chunk{Text: part.Text}
					}
				}
			}
		}

		if usage != nil {
			chunks <- &Chunk{Usage: usage}
		}
		chunks <- &Chunk{Done: true, ResponseID: responseID}
	}()

	return chunks, nil
}

// Complete issues a single blocking generation call.
func (p *GoogleProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	contents, config, model, err := p.buildCall(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Text == "" || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
	}

	return &Completion{
		Text:       text.String(),
		Usage:      googleUsage(resp.UsageMetadata),
		ResponseID: resp.ResponseID,
		Model:      model,
	}, nil
}

// buildCall normalizes the chain and translates canonical parameters into
// Gemini contents and config.
func (p *GoogleProvider) buildCall(ctx context.Context, req *Request) ([]*genai.Content, *genai.GenerateContentConfig, string, error) {
	model := strings.TrimPrefix(req.Model, "models/")
	if model == "" {
		model = p.defaultModel
	}

	system, turns := Normalize(req)
	if len(turns) == 0 {
		return nil, nil, model, &Error{
			Kind: KindBadRequest, Provider: "google", Model: model,
			Message: "chain has no sendable turns",
		}
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := genai.RoleUser
		if turn.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Content}},
		})
	}

	accepted := req.Params.Filter(googleParamKeys...)
	config := &genai.GenerateContentConfig{}

	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	tokens := maxTokens(ctx, p.logger, accepted, "google", model, outputLimit(googleCatalog, model), 8192)
	config.MaxOutputTokens = int32(tokens)

	if v, ok := accepted.Float(ParamTemperature); ok {
		config.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := accepted.Float(ParamTopP); ok {
		config.TopP = genai.Ptr(float32(v))
	}
	if v, ok := accepted.Float(ParamTopK); ok {
		config.TopK = genai.Ptr(float32(v))
	}
	if v, ok := accepted.Float(ParamFrequencyPenalty); ok {
		config.FrequencyPenalty = genai.Ptr(float32(v))
	}
	if v, ok := accepted.Float(ParamPresencePenalty); ok {
		config.PresencePenalty = genai.Ptr(float32(v))
	}
	if v, ok := accepted.StringSlice(ParamStopSequences); ok {
		config.StopSequences = v
	}
	if v, ok := accepted.Int(ParamSeed); ok {
		config.Seed = genai.Ptr(int32(v))
	}
	if v, ok := accepted.String(ParamResponseFormat); ok {
		switch strings.ToLower(v) {
		case "json", "json_object":
			config.ResponseMIMEType = "application/json"
		}
	}

	return contents, config, model, nil
}

// googleUsage renames Gemini usage metadata into the uniform accounting.
func googleUsage(meta *genai.GenerateContentResponseUsageMetadata) *models.TokenUsage {
	if meta == nil {
		return nil
	}
	if meta.PromptTokenCount == 0 && meta.CandidatesTokenCount == 0 {
		return nil
	}
	usage := &models.TokenUsage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
		ReasoningTokens:  int(meta.ThoughtsTokenCount),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// wrapError maps SDK errors onto the shared taxonomy.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		perr := NewError("google", model, err).WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if apiErr.Status != "" {
			perr = perr.WithCode(apiErr.Status)
		}
		return perr
	}

	return NewError("google", model, err)
}
