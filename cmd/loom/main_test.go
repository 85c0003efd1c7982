package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/providers"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "conversations", "models"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"config invalid", &providers.Error{Kind: providers.KindConfigInvalid, Message: "bad config"}, 2},
		{"auth failed", &providers.Error{Kind: providers.KindAuthFailed, Message: "no key"}, 3},
		{"not found", &providers.Error{Kind: providers.KindNotFound, Message: "missing"}, 4},
		{"corrupt", &providers.Error{Kind: providers.KindConversationCorrupt, Message: "bad file"}, 4},
		{"cancelled kind", &providers.Error{Kind: providers.KindCancelled, Message: "stopped"}, 130},
		{"context canceled", context.Canceled, 130},
		{"wrapped context canceled", &providers.Error{Kind: providers.KindUnknown, Cause: context.Canceled}, 130},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseParamValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"512", 512},
		{"1", 1}, // integer, not bool
		{"0.7", 0.7},
		{"true", true},
		{"false", false},
		{"claude", "claude"},
	}
	for _, tt := range tests {
		if got := parseParamValue(tt.raw); got != tt.want {
			t.Fatalf("parseParamValue(%q) = %v (%T), want %v (%T)", tt.raw, got, got, tt.want, tt.want)
		}
	}
}

func TestExportMarkdownRendersActiveChain(t *testing.T) {
	g := graph.NewConversation("Weekly Sync", "Be concise.")
	if _, err := g.AddUser("What changed this week?", nil); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, err := g.AddAssistant("Two deploys landed.", "test-model", nil, nil, "", nil, ""); err != nil {
		t.Fatalf("AddAssistant: %v", err)
	}

	got := string(exportMarkdown(g.Conversation()))

	for _, want := range []string{
		"# Weekly Sync\n",
		"- Branch: main\n",
		"### System\n\nBe concise.\n",
		"### User\n\nWhat changed this week?\n",
		"### Assistant\n\nTwo deploys landed.\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("export missing %q:\n%s", want, got)
		}
	}

	system := strings.Index(got, "### System")
	user := strings.Index(got, "### User")
	assistant := strings.Index(got, "### Assistant")
	if !(system < user && user < assistant) {
		t.Fatalf("sections out of chain order: system=%d user=%d assistant=%d", system, user, assistant)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false}, // EOF without input
	}
	for _, tt := range tests {
		var out strings.Builder
		got, err := confirm(strings.NewReader(tt.input), &out, "Delete? [y/N] ")
		if err != nil {
			t.Fatalf("confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Delete?") {
			t.Fatalf("prompt not written: %q", out.String())
		}
	}
}
