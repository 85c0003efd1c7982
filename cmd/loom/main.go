// Package main provides the CLI entry point for the loom conversation gateway.
//
// Loom drives multi-provider LLM conversations (Anthropic, OpenAI, DeepSeek,
// Google Gemini, AWS Bedrock) stored as branching trees of JSON files. The
// same engine backs an interactive terminal chat and an HTTP gateway serving
// REST, SSE, and WebSocket clients.
//
// # Basic Usage
//
// Chat interactively:
//
//	loom chat
//
// Start the HTTP gateway:
//
//	loom serve --config loom.yaml
//
// Inspect stored conversations:
//
//	loom conversations list
//	loom conversations show "Project Notes"
//	loom conversations export "Project Notes" --out notes.md
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - LOOM_CONFIG: Path to configuration file (default: ~/.loom/config.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - DEEPSEEK_API_KEY: DeepSeek API key
//   - GEMINI_API_KEY: Google Gemini API key
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: Bedrock credentials
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version    = "dev"     // Semantic version (e.g., "v1.0.0")
	commit     = "none"    // Git commit SHA
	date       = "unknown" // Build timestamp
	configPath string
)

// main is the entry point for the loom CLI. Error printing and exit-code
// mapping happen here so command handlers can return plain errors.
func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - Branching multi-provider LLM conversations",
		Long: `Loom drives LLM conversations stored as branching trees of JSON files.

Supported providers: Anthropic, OpenAI, DeepSeek, Google (Gemini), AWS Bedrock
Surfaces: interactive terminal chat, REST + SSE + WebSocket gateway

Documentation: https://github.com/haasonsaas/loom`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error; SilenceErrors
		// leaves printing and exit-code mapping to main.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (or set LOOM_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConversationsCmd(),
		buildModelsCmd(),
	)

	return rootCmd
}

// exitCode maps an error to the documented process exit codes: 2 for an
// invalid configuration, 3 for a missing or rejected credential, 4 for a
// conversation store failure, 130 when interrupted, and 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch providers.KindOf(err) {
	case providers.KindConfigInvalid:
		return 2
	case providers.KindAuthFailed:
		return 3
	case providers.KindNotFound, providers.KindConversationCorrupt:
		return 4
	case providers.KindCancelled:
		return 130
	}
	return 1
}

// resolveConfigPath picks the config file: the --config flag, then the
// LOOM_CONFIG environment variable, then ~/.loom/config.yaml. The second
// return reports whether the path was named explicitly.
func resolveConfigPath() (string, bool) {
	if p := strings.TrimSpace(configPath); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("LOOM_CONFIG")); p != "" {
		return p, true
	}
	return config.DefaultPath(), false
}

// loadConfig loads the resolved configuration. A missing file is an error
// when named explicitly; when the conventional default is simply absent the
// built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path, explicit := resolveConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, &providers.Error{
		Kind:    providers.KindConfigInvalid,
		Message: fmt.Sprintf("load config %s: %v", path, err),
		Cause:   err,
	}
}
