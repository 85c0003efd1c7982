package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// BedrockProvider is the driver for AWS Bedrock via the Converse API, which
// gives every hosted model family one message shape. Credentials come from
// explicit config when set, otherwise the default AWS chain (environment,
// shared config, instance role).
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
	logger       *observability.Logger
}

const (
	bedrockDefaultModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	bedrockDefaultRegion = "us-east-1"
)

// bedrockParamKeys is the whitelist of canonical parameters this driver
// accepts. The Converse InferenceConfiguration carries nothing else.
var bedrockParamKeys = []string{
	ParamTemperature,
	ParamTopP,
	ParamMaxOutputTokens,
	ParamStopSequences,
}

var bedrockCatalog = []ModelInfo{
	{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", DisplayName: "Claude 3.5 Sonnet v2", InputLimit: 200000, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", DisplayName: "Claude 3.5 Haiku", InputLimit: 200000, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming}},
	{ID: "anthropic.claude-3-opus-20240229-v1:0", DisplayName: "Claude 3 Opus", InputLimit: 200000, OutputLimit: 4096,
		Capabilities: []string{CapabilityStreaming, CapabilityVision}},
	{ID: "amazon.titan-text-premier-v1:0", DisplayName: "Titan Text Premier", InputLimit: 32000, OutputLimit: 3072,
		Capabilities: []string{CapabilityStreaming}},
	{ID: "meta.llama3-70b-instruct-v1:0", DisplayName: "Llama 3 70B Instruct", InputLimit: 8192, OutputLimit: 2048,
		Capabilities: []string{CapabilityStreaming}},
	{ID: "mistral.mistral-large-2402-v1:0", DisplayName: "Mistral Large", InputLimit: 32768, OutputLimit: 8192,
		Capabilities: []string{CapabilityStreaming}},
	{ID: "cohere.command-r-plus-v1:0", DisplayName: "Command R+", InputLimit: 128000, OutputLimit: 4096,
		Capabilities: []string{CapabilityStreaming}},
}

// bedrockVendorPrefixes are the model id namespaces Bedrock serves.
var bedrockVendorPrefixes = []string{
	"anthropic.", "amazon.", "meta.", "mistral.", "cohere.", "ai21.",
	"us.", "eu.", "apac.",
}

// NewBedrockProvider creates the Bedrock driver. Credential and SecretKey
// together select static AWS credentials; leaving both empty defers to the
// default chain.
func NewBedrockProvider(cfg Config) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = bedrockDefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.Credential != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Credential, cfg.SecretKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, NewError("bedrock", "", err).WithKind(KindConfigInvalid)
	}

	model := cfg.Model
	if model == "" {
		model = bedrockDefaultModel
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
		region:       region,
		logger:       cfg.logger(),
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Models serves the static catalog; Bedrock's control-plane listing lives in
// a separate service and needs extra IAM grants, so the driver does not call
// it.
func (p *BedrockProvider) Models(ctx context.Context) []ModelInfo {
	return bedrockCatalog
}

// DefaultParams returns the driver defaults.
func (p *BedrockProvider) DefaultParams() Params {
	return Params{
		ParamTemperature:     1.0,
		ParamMaxOutputTokens: 4096,
	}
}

// ValidateModel accepts catalog entries and any id under a known vendor or
// cross-region inference namespace.
func (p *BedrockProvider) ValidateModel(id string) bool {
	for _, m := range bedrockCatalog {
		if m.ID == id {
			return true
		}
	}
	return hasAnyPrefix(id, bedrockVendorPrefixes)
}

// Stream issues a ConverseStream call and forwards its event stream.
func (p *BedrockProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	messages, system, infCfg, model, err := p.buildCall(ctx, req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: infCfg,
	})
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		eventStream := output.GetStream()
		defer eventStream.Close()

		var usage *models.TokenUsage
		for event := range eventStream.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					chunks <- &Chunk{Text: delta.Value}
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if u := bedrockUsage(ev.Value.Usage); u != nil {
					usage = u
				}
			}
		}

		if err := eventStream.Err(); err != nil {
			chunks <- &Chunk{Err: p.wrapError(err, model)}
			return
		}
		if usage != nil {
			chunks <- &Chunk{Usage: usage}
		}
		chunks <- &Chunk{Done: true}
	}()

	return chunks, nil
}

// Complete issues a single blocking Converse call.
func (p *BedrockProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	messages, system, infCfg, model, err := p.buildCall(ctx, req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: infCfg,
	})
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	var text strings.Builder
	if message, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range message.Value.Content {
			if tb, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}

	return &Completion{
		Text:  text.String(),
		Usage: bedrockUsage(output.Usage),
		Model: model,
	}, nil
}

// buildCall normalizes the chain and translates canonical parameters into
// Converse messages and inference configuration.
func (p *BedrockProvider) buildCall(ctx context.Context, req *Request) ([]types.Message, []types.SystemContentBlock, *types.InferenceConfiguration, string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	systemText, turns := Normalize(req)
	if len(turns) == 0 {
		return nil, nil, nil, model, &Error{
			Kind: KindBadRequest, Provider: "bedrock", Model: model,
			Message: "chain has no sendable turns",
		}
	}

	messages := make([]types.Message, 0, len(turns))
	for _, turn := range turns {
		role := types.ConversationRoleUser
		if turn.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: turn.Content}},
		})
	}

	var system []types.SystemContentBlock
	if systemText != "" {
		system = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemText},
		}
	}

	accepted := req.Params.Filter(bedrockParamKeys...)
	tokens := maxTokens(ctx, p.logger, accepted, "bedrock", model, outputLimit(bedrockCatalog, model), 4096)

	infCfg := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(tokens)),
	}
	if v, ok := accepted.Float(ParamTemperature); ok {
		infCfg.Temperature = aws.Float32(float32(v))
	}
	if v, ok := accepted.Float(ParamTopP); ok {
		infCfg.TopP = aws.Float32(float32(v))
	}
	if v, ok := accepted.StringSlice(ParamStopSequences); ok {
		infCfg.StopSequences = v
	}

	return messages, system, infCfg, model, nil
}

// bedrockUsage renames Converse usage counters into the uniform accounting.
func bedrockUsage(u *types.TokenUsage) *models.TokenUsage {
	if u == nil {
		return nil
	}
	usage := &models.TokenUsage{
		PromptTokens:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// wrapError maps the Bedrock exception types onto the shared taxonomy.
func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	perr := NewError("bedrock", model, err)

	var throttled *types.ThrottlingException
	var denied *types.AccessDeniedException
	var invalid *types.ValidationException
	var missing *types.ResourceNotFoundException
	var modelTimeout *types.ModelTimeoutException
	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException

	switch {
	case errors.As(err, &throttled):
		perr = perr.WithKind(KindRateLimited).WithMessage(aws.ToString(throttled.Message))
	case errors.As(err, &denied):
		perr = perr.WithKind(KindAuthFailed).WithMessage(aws.ToString(denied.Message))
	case errors.As(err, &invalid):
		perr = perr.WithKind(KindBadRequest).WithMessage(aws.ToString(invalid.Message))
	case errors.As(err, &missing):
		perr = perr.WithKind(KindNotFound).WithMessage(aws.ToString(missing.Message))
	case errors.As(err, &modelTimeout):
		perr = perr.WithKind(KindTimeout).WithMessage(aws.ToString(modelTimeout.Message))
	case errors.As(err, &unavailable):
		perr = perr.WithKind(KindServerError).WithMessage(aws.ToString(unavailable.Message))
	case errors.As(err, &internal):
		perr = perr.WithKind(KindServerError).WithMessage(aws.ToString(internal.Message))
	}

	return perr
}
