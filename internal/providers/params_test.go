package providers

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/haasonsaas/loom/internal/observability"
)

func TestParamsFilter(t *testing.T) {
	p := Params{
		ParamTemperature:     0.7,
		ParamTopK:            40,
		ParamMaxOutputTokens: 1024,
		"made_up_knob":       true,
	}

	got := p.Filter(ParamTemperature, ParamMaxOutputTokens)
	if len(got) != 2 {
		t.Fatalf("Filter() kept %d keys, want 2: %v", len(got), got)
	}
	if _, ok := got[ParamTopK]; ok {
		t.Error("Filter() kept a key outside the whitelist")
	}
	if _, ok := got["made_up_knob"]; ok {
		t.Error("Filter() kept an unknown key")
	}
	// The receiver is untouched.
	if len(p) != 4 {
		t.Errorf("Filter() mutated the receiver: %v", p)
	}
}

func TestParamsFloat(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   float64
		wantOK bool
	}{
		{"float64", 0.5, 0.5, true},
		{"float32", float32(0.25), 0.25, true},
		{"int", 2, 2, true},
		{"int64", int64(3), 3, true},
		{"json.Number", json.Number("0.9"), 0.9, true},
		{"bad json.Number", json.Number("nope"), 0, false},
		{"string", "0.5", 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{"k": tt.value}
			got, ok := p.Float("k")
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Float() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := (Params{}).Float("missing"); ok {
		t.Error("Float() on a missing key should report !ok")
	}
}

func TestParamsInt(t *testing.T) {
	p := Params{"a": float64(4096), "b": 7, "c": "many"}

	if got, ok := p.Int("a"); !ok || got != 4096 {
		t.Errorf("Int(a) = (%d, %v), want (4096, true)", got, ok)
	}
	if got, ok := p.Int("b"); !ok || got != 7 {
		t.Errorf("Int(b) = (%d, %v), want (7, true)", got, ok)
	}
	if _, ok := p.Int("c"); ok {
		t.Error("Int(c) should report !ok for a string value")
	}
}

func TestParamsStringSlice(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   []string
		wantOK bool
	}{
		{"string slice", []string{"END", "STOP"}, []string{"END", "STOP"}, true},
		{"any slice from JSON", []any{"END", "STOP"}, []string{"END", "STOP"}, true},
		{"mixed any slice", []any{"END", 3}, nil, false},
		{"scalar", "END", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{"stop": tt.value}
			got, ok := p.StringSlice("stop")
			if ok != tt.wantOK {
				t.Fatalf("StringSlice() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("StringSlice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParamsCloneIsolation(t *testing.T) {
	var nilParams Params
	if nilParams.Clone() != nil {
		t.Error("Clone() of nil should stay nil")
	}

	p := Params{ParamTemperature: 0.7}
	clone := p.Clone()
	clone[ParamTemperature] = 0.1

	if got, _ := p.Float(ParamTemperature); got != 0.7 {
		t.Errorf("mutating a clone leaked into the original: %v", got)
	}
}

func TestParamsMerge(t *testing.T) {
	base := Params{ParamTemperature: 0.7, ParamTopP: 0.9}
	got := base.Merge(Params{ParamTemperature: 0.2, ParamSeed: 42})

	if v, _ := got.Float(ParamTemperature); v != 0.2 {
		t.Errorf("Merge() did not overlay temperature: %v", v)
	}
	if v, _ := got.Float(ParamTopP); v != 0.9 {
		t.Errorf("Merge() lost base top_p: %v", v)
	}
	if v, _ := got.Int(ParamSeed); v != 42 {
		t.Errorf("Merge() lost overlay seed: %v", v)
	}
	if v, _ := base.Float(ParamTemperature); v != 0.7 {
		t.Error("Merge() mutated the base")
	}

	var nilBase Params
	if got := nilBase.Merge(Params{ParamSeed: 1}); len(got) != 1 {
		t.Errorf("Merge() on nil base = %v, want one entry", got)
	}
}

func TestMaxTokens(t *testing.T) {
	ctx := context.Background()
	logger := observability.NewNopLogger()

	tests := []struct {
		name     string
		params   Params
		limit    int
		fallback int
		want     int
	}{
		{"requested below limit", Params{ParamMaxOutputTokens: 1000}, 16384, 4096, 1000},
		{"requested above limit clamps", Params{ParamMaxOutputTokens: 50000}, 16384, 4096, 16384},
		{"absent uses fallback", Params{}, 16384, 4096, 4096},
		{"zero requested uses fallback", Params{ParamMaxOutputTokens: 0}, 16384, 4096, 4096},
		{"unknown limit never clamps", Params{ParamMaxOutputTokens: 50000}, 0, 4096, 50000},
		{"fallback above limit clamps too", Params{}, 2048, 4096, 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maxTokens(ctx, logger, tt.params, "openai", "gpt-4o", tt.limit, tt.fallback)
			if got != tt.want {
				t.Errorf("maxTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOutputLimit(t *testing.T) {
	catalog := []ModelInfo{
		{ID: "model-a", OutputLimit: 8192},
		{ID: "model-b", OutputLimit: 16384},
	}

	if got := outputLimit(catalog, "model-b"); got != 16384 {
		t.Errorf("outputLimit(model-b) = %d, want 16384", got)
	}
	if got := outputLimit(catalog, "model-x"); got != 0 {
		t.Errorf("outputLimit(model-x) = %d, want 0 for unknown", got)
	}
}
