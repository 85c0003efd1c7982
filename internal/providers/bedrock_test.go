package providers

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/loom/pkg/models"
)

func testBedrockProvider(t *testing.T) *BedrockProvider {
	t.Helper()
	p, err := NewBedrockProvider(Config{
		Credential: "AKIATEST",
		SecretKey:  "secret",
	})
	if err != nil {
		t.Fatalf("NewBedrockProvider() error = %v", err)
	}
	return p
}

func TestNewBedrockProvider(t *testing.T) {
	p := testBedrockProvider(t)
	if p.region != "us-east-1" {
		t.Errorf("region = %q, want default us-east-1", p.region)
	}
	if p.defaultModel != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("defaultModel = %q", p.defaultModel)
	}

	p, err := NewBedrockProvider(Config{Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("default-chain constructor error = %v", err)
	}
	if p.region != "eu-west-1" {
		t.Errorf("region = %q, want configured eu-west-1", p.region)
	}
}

func TestBedrockValidateModel(t *testing.T) {
	p := testBedrockProvider(t)

	tests := []struct {
		id   string
		want bool
	}{
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", true},
		{"meta.llama4-behemoth-v1:0", true},
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", true},
		{"cohere.command-r-plus-v1:0", true},
		{"gpt-4o", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := p.ValidateModel(tt.id); got != tt.want {
				t.Errorf("ValidateModel(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestBedrockBuildCall(t *testing.T) {
	p := testBedrockProvider(t)

	messages, system, infCfg, model, err := p.buildCall(context.Background(), &Request{
		SystemInstruction: "Short answers.",
		Chain: []*models.Message{
			msg(models.RoleUser, "Hi"),
			msg(models.RoleAssistant, "Hello!"),
			msg(models.RoleUser, "Go on."),
		},
		Params: Params{
			ParamTemperature:   0.6,
			ParamTopP:          0.8,
			ParamStopSequences: []string{"HALT"},
			ParamSeed:          5, // not in the whitelist, must be dropped
		},
	})
	if err != nil {
		t.Fatalf("buildCall() error = %v", err)
	}
	if model != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("model = %q, want default", model)
	}

	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	if messages[0].Role != types.ConversationRoleUser || messages[1].Role != types.ConversationRoleAssistant {
		t.Errorf("roles = %v/%v", messages[0].Role, messages[1].Role)
	}
	text, ok := messages[0].Content[0].(*types.ContentBlockMemberText)
	if !ok || text.Value != "Hi" {
		t.Errorf("first content block = %+v", messages[0].Content[0])
	}

	if len(system) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(system))
	}
	if sys, ok := system[0].(*types.SystemContentBlockMemberText); !ok || sys.Value != "Short answers." {
		t.Errorf("system block = %+v", system[0])
	}

	if aws.ToInt32(infCfg.MaxTokens) != 4096 {
		t.Errorf("MaxTokens = %d, want fallback 4096", aws.ToInt32(infCfg.MaxTokens))
	}
	if infCfg.Temperature == nil || *infCfg.Temperature != 0.6 {
		t.Errorf("Temperature = %v", infCfg.Temperature)
	}
	if infCfg.TopP == nil || *infCfg.TopP != 0.8 {
		t.Errorf("TopP = %v", infCfg.TopP)
	}
	if len(infCfg.StopSequences) != 1 || infCfg.StopSequences[0] != "HALT" {
		t.Errorf("StopSequences = %v", infCfg.StopSequences)
	}
}

func TestBedrockBuildCallClampsTokens(t *testing.T) {
	p := testBedrockProvider(t)

	_, _, infCfg, _, err := p.buildCall(context.Background(), &Request{
		Model:  "amazon.titan-text-premier-v1:0",
		Chain:  []*models.Message{msg(models.RoleUser, "Hi")},
		Params: Params{ParamMaxOutputTokens: 50000},
	})
	if err != nil {
		t.Fatalf("buildCall() error = %v", err)
	}
	if aws.ToInt32(infCfg.MaxTokens) != 3072 {
		t.Errorf("MaxTokens = %d, want clamp to the titan limit", aws.ToInt32(infCfg.MaxTokens))
	}
}

func TestBedrockBuildCallNoSendableTurns(t *testing.T) {
	p := testBedrockProvider(t)

	_, _, _, _, err := p.buildCall(context.Background(), &Request{
		Chain: []*models.Message{msg(models.RoleSystem, "rules only")},
	})
	if KindOf(err) != KindBadRequest {
		t.Errorf("kind = %v, want %v", KindOf(err), KindBadRequest)
	}
}

func TestBedrockUsage(t *testing.T) {
	if bedrockUsage(nil) != nil {
		t.Error("nil usage should stay nil")
	}
	if bedrockUsage(&types.TokenUsage{}) != nil {
		t.Error("zero usage should stay nil")
	}

	got := bedrockUsage(&types.TokenUsage{
		InputTokens:  aws.Int32(9),
		OutputTokens: aws.Int32(21),
	})
	if got.PromptTokens != 9 || got.CompletionTokens != 21 {
		t.Errorf("usage = %+v", got)
	}
	if got.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want computed 30", got.TotalTokens)
	}
}

func TestBedrockWrapError(t *testing.T) {
	p := testBedrockProvider(t)

	if p.wrapError(nil, "m") != nil {
		t.Error("nil should stay nil")
	}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"throttled", &types.ThrottlingException{Message: aws.String("slow down")}, KindRateLimited},
		{"denied", &types.AccessDeniedException{Message: aws.String("no grant")}, KindAuthFailed},
		{"validation", &types.ValidationException{Message: aws.String("bad body")}, KindBadRequest},
		{"missing", &types.ResourceNotFoundException{Message: aws.String("no model")}, KindNotFound},
		{"model timeout", &types.ModelTimeoutException{Message: aws.String("too slow")}, KindTimeout},
		{"unavailable", &types.ServiceUnavailableException{Message: aws.String("retry later")}, KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr, ok := AsError(p.wrapError(tt.err, "anthropic.claude-3-5-sonnet-20241022-v2:0"))
			if !ok {
				t.Fatalf("expected *Error, got %T", tt.err)
			}
			if perr.Kind != tt.want {
				t.Errorf("kind = %v, want %v", perr.Kind, tt.want)
			}
		})
	}
}

func TestBedrockModels(t *testing.T) {
	p := testBedrockProvider(t)

	catalog := p.Models(context.Background())
	if len(catalog) == 0 {
		t.Fatal("catalog is empty")
	}
	for _, m := range catalog {
		if !p.ValidateModel(m.ID) {
			t.Errorf("catalog entry %q fails its own validation", m.ID)
		}
	}
}
