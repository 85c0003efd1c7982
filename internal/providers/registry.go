package providers

import (
	"fmt"
	"sort"
)

// Factory constructs a driver from a credential handle and overrides.
type Factory func(Config) (Provider, error)

// registry is the closed set of supported drivers. There is no runtime
// plugin loading; adding a provider means adding a driver here.
var registry = map[string]Factory{
	"anthropic": func(cfg Config) (Provider, error) { return NewAnthropicProvider(cfg) },
	"openai":    func(cfg Config) (Provider, error) { return NewOpenAIProvider(cfg) },
	"deepseek":  func(cfg Config) (Provider, error) { return NewDeepSeekProvider(cfg) },
	"google":    func(cfg Config) (Provider, error) { return NewGoogleProvider(cfg) },
	"bedrock":   func(cfg Config) (Provider, error) { return NewBedrockProvider(cfg) },
}

// Create instantiates the named driver with the given configuration.
// Unknown names fail with ConfigInvalid.
func Create(name string, cfg Config) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, &Error{
			Kind:     KindConfigInvalid,
			Provider: name,
			Message:  fmt.Sprintf("unknown provider %q (available: %v)", name, Names()),
		}
	}
	return factory(cfg)
}

// Names returns the registered provider names, sorted for stable CLI and
// API listings.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
