// Package config loads and validates the loom configuration file.
//
// Configuration files are YAML or JSON5. Environment references like
// ${ANTHROPIC_API_KEY} are expanded before parsing, and a $include key
// merges other files into the document, so credentials can live in a
// separate, tighter-permissioned file. Unknown keys are rejected.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
)

// Config is the root of the loom configuration file.
type Config struct {
	// Provider selects the driver the session starts on.
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Credential is the API key for the selected provider. Prefer a
	// ${PROVIDER_API_KEY} reference over a literal value.
	Credential string `yaml:"credential"`

	// GenerationParams holds canonical parameter names (temperature,
	// max_tokens, top_p, ...) applied to every request. Drivers filter
	// them against their own whitelists.
	GenerationParams map[string]any `yaml:"generation_params"`

	// UseStreaming selects streaming generation by default. Unset means on.
	UseStreaming *bool `yaml:"use_streaming"`

	// ConversationsDir is where conversation files live. A leading "~"
	// expands to the user home. Default: ~/.loom/conversations.
	ConversationsDir string `yaml:"conversations_dir"`

	// DefaultSystemInstruction seeds the system root of new conversations.
	DefaultSystemInstruction string `yaml:"default_system_instruction"`

	// Providers carries per-provider credentials and overrides for setups
	// that switch providers at runtime.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Server       ServerConfig       `yaml:"server"`
	Session      SessionConfig      `yaml:"session"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ProviderConfig carries the connection settings for one provider.
type ProviderConfig struct {
	Credential string `yaml:"credential"`

	// SecretKey, SessionToken, and Region apply to bedrock only.
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
	Region       string `yaml:"region"`

	// BaseURL overrides the provider endpoint, for proxies.
	BaseURL string `yaml:"base_url"`

	// Model overrides the driver's default model.
	Model string `yaml:"model"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Listen is the gateway address, host:port. Default 127.0.0.1:8080.
	Listen string `yaml:"listen"`

	// ReadTimeout bounds reading a request. 0 disables it.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. It must cover the longest
	// expected generation when streaming over SSE; 0 (the default)
	// disables it.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownGrace bounds graceful shutdown. Default 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// SessionConfig configures session persistence behavior.
type SessionConfig struct {
	// QuietSaveDelay is how long after the last settings edit the session
	// waits before persisting. Default 2s.
	QuietSaveDelay time.Duration `yaml:"quiet_save_delay"`
}

// OrchestratorConfig tunes generation runs. Zero values use the
// orchestrator's built-in defaults.
type OrchestratorConfig struct {
	// QueueSize is the per-run event channel capacity. Default 256.
	QueueSize int `yaml:"queue_size"`

	// SubscriberWall is the longest a worker blocks delivering one event
	// to a slow subscriber before cancelling the run. Default 90s.
	SubscriberWall time.Duration `yaml:"subscriber_wall"`

	// CompleteTimeout bounds a single non-streaming provider call.
	// Default 60s.
	CompleteTimeout time.Duration `yaml:"complete_timeout"`

	// MaxAttempts is the total number of provider calls for retryable
	// failures, including the first. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the backoff base; attempt n waits n*RetryDelay.
	// Default 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default info.
	Level string `yaml:"level"`

	// Format: json or text. Default json.
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig controls the gateway /metrics endpoint.
type MetricsConfig struct {
	// Enabled serves prometheus metrics. Defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// On reports whether metrics are enabled.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the conventional config location,
// ~/.loom/config.yaml. It does not check that the file exists.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".loom", "config.yaml")
	}
	return filepath.Join(home, ".loom", "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.ConversationsDir == "" {
		c.ConversationsDir = filepath.Join("~", ".loom", "conversations")
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}
	if c.Session.QuietSaveDelay <= 0 {
		c.Session.QuietSaveDelay = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "loom"
	}
	if c.Tracing.SamplingRate <= 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

var (
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats = map[string]bool{"json": true, "text": true}
)

func (c *Config) validate() error {
	known := providers.Names()
	if !contains(known, c.Provider) {
		return fmt.Errorf("unknown provider %q (known: %s)", c.Provider, strings.Join(known, ", "))
	}
	for name := range c.Providers {
		if !contains(known, name) {
			return fmt.Errorf("providers: unknown provider %q (known: %s)", name, strings.Join(known, ", "))
		}
	}
	if !logLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if !logFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v is not in [0, 1]", c.Tracing.SamplingRate)
	}
	if c.Orchestrator.QueueSize < 0 {
		return fmt.Errorf("orchestrator.queue_size must not be negative")
	}
	if c.Orchestrator.MaxAttempts < 0 {
		return fmt.Errorf("orchestrator.max_attempts must not be negative")
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Streaming reports the effective streaming default.
func (c *Config) Streaming() bool {
	return c.UseStreaming == nil || *c.UseStreaming
}

// StorePath expands ConversationsDir to an absolute path, resolving a
// leading "~" against the user home.
func (c *Config) StorePath() (string, error) {
	dir := c.ConversationsDir
	if dir == "~" || strings.HasPrefix(dir, "~"+string(filepath.Separator)) || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	return filepath.Abs(dir)
}

// DriverConfig assembles the driver settings for the named provider. The
// top-level credential and model apply when the name matches the selected
// provider; otherwise the per-provider section is used as-is. Missing
// credentials fall back to the conventional environment variables.
func (c *Config) DriverConfig(name string) providers.Config {
	pc := c.Providers[name]
	out := providers.Config{
		Credential:   pc.Credential,
		SecretKey:    pc.SecretKey,
		SessionToken: pc.SessionToken,
		Region:       pc.Region,
		BaseURL:      pc.BaseURL,
		Model:        pc.Model,
	}
	if name == c.Provider {
		if c.Credential != "" {
			out.Credential = c.Credential
		}
		if out.Model == "" {
			out.Model = c.Model
		}
	}
	if out.Credential == "" {
		out.Credential = os.Getenv(CredentialEnv(name))
	}
	if name == "bedrock" {
		if out.SecretKey == "" {
			out.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		}
		if out.SessionToken == "" {
			out.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
		}
		if out.Region == "" {
			out.Region = os.Getenv("AWS_REGION")
		}
	}
	return out
}

// CredentialEnv returns the environment variable consulted when the config
// file carries no credential for the provider.
func CredentialEnv(name string) string {
	switch name {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "deepseek":
		return "DEEPSEEK_API_KEY"
	case "google":
		return "GEMINI_API_KEY"
	case "bedrock":
		return "AWS_ACCESS_KEY_ID"
	}
	return ""
}

// LogConfig maps the logging section onto the logger options.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
	}
}

// TraceConfig maps the tracing section onto the tracer options. The
// endpoint is withheld when tracing is disabled, which yields a no-op
// tracer.
func (c *Config) TraceConfig() observability.TraceConfig {
	tc := observability.TraceConfig{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: c.Tracing.ServiceVersion,
		Environment:    c.Tracing.Environment,
		SamplingRate:   c.Tracing.SamplingRate,
		Attributes:     c.Tracing.Attributes,
		EnableInsecure: c.Tracing.Insecure,
	}
	if c.Tracing.Enabled {
		tc.Endpoint = c.Tracing.Endpoint
	}
	return tc
}
