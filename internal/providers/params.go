package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/observability"
)

// Canonical generation parameter keys. Drivers accept a whitelisted subset
// and translate survivors into their wire format; keys outside a driver's
// whitelist are dropped silently.
const (
	ParamTemperature      = "temperature"
	ParamTopP             = "top_p"
	ParamTopK             = "top_k"
	ParamMaxOutputTokens  = "max_output_tokens"
	ParamFrequencyPenalty = "frequency_penalty"
	ParamPresencePenalty  = "presence_penalty"
	ParamStopSequences    = "stop_sequences"
	ParamSeed             = "seed"
	ParamResponseFormat   = "response_format"
	ParamReasoningEffort  = "reasoning_effort"
)

// Params is a generation parameter set keyed by canonical names. Values
// arrive from config files, the CLI, and persisted conversations, so the
// accessors tolerate the numeric types JSON decoding produces.
type Params map[string]any

// Clone returns a shallow copy. Values are scalars or small slices, so a
// shallow copy is enough for snapshot semantics.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Filter returns a copy containing only the allowed keys. Unknown keys are
// dropped without comment.
func (p Params) Filter(allowed ...string) Params {
	out := make(Params, len(allowed))
	for _, key := range allowed {
		if v, ok := p[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Merge returns a copy of p overlaid with the entries of over.
func (p Params) Merge(over Params) Params {
	out := p.Clone()
	if out == nil {
		out = make(Params, len(over))
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Float reads a numeric parameter. JSON decoding yields float64; config
// literals and tests may carry int or json.Number.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int reads an integer parameter, accepting the same numeric forms as Float.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String reads a string parameter.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// StringSlice reads a list parameter ([]string directly, or []any of
// strings as produced by JSON decoding).
func (p Params) StringSlice(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// maxTokens resolves the effective max_output_tokens for a request: the
// requested value (or fallback when absent) clamped to the model's
// advertised output limit. Clamps are logged, not surfaced.
func maxTokens(ctx context.Context, logger *observability.Logger, p Params, provider, model string, limit, fallback int) int {
	requested, ok := p.Int(ParamMaxOutputTokens)
	if !ok || requested <= 0 {
		requested = fallback
	}
	if limit > 0 && requested > limit {
		logger.Warn(ctx, "clamping max_output_tokens to model limit",
			"provider", provider,
			"model", model,
			"requested", requested,
			"limit", limit,
		)
		return limit
	}
	return requested
}

// outputLimit looks up a model's advertised output limit in a static
// catalog. Zero means unknown (no clamping).
func outputLimit(catalog []ModelInfo, model string) int {
	for _, m := range catalog {
		if m.ID == model {
			return m.OutputLimit
		}
	}
	return 0
}
