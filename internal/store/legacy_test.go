package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/pkg/models"
)

const legacyFixture = `{
  "conversation_id": "X",
  "history": [
    {"type": "metadata", "content": {"title": "Old"}},
    {"type": "message", "content": {"role": "user", "text": "A"}},
    {"type": "message", "content": {"role": "ai", "text": "B"}}
  ]
}`

func writeLegacy(t *testing.T, s *FileStore, name, payload string) string {
	t.Helper()
	path := filepath.Join(s.Dir(), name)
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLegacyLayoutConverted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writeLegacy(t, s, "imported_chat.json", legacyFixture)

	conv, err := s.Load(ctx, "imported_chat.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if conv.ID != "X" {
		t.Errorf("conversation id = %q, want %q", conv.ID, "X")
	}
	if conv.Metadata.Title != "Old" {
		t.Errorf("title = %q, want %q", conv.Metadata.Title, "Old")
	}
	if len(conv.Messages) != 3 {
		t.Fatalf("message count = %d, want 3", len(conv.Messages))
	}
	if len(conv.Branches) != 1 {
		t.Errorf("branch count = %d, want 1", len(conv.Branches))
	}
	if _, ok := conv.Branches[models.MainBranch]; !ok {
		t.Error("main branch missing after conversion")
	}

	root := conv.Root()
	if root == nil {
		t.Fatal("converted conversation has no root")
	}
	if root.Role != models.RoleSystem {
		t.Errorf("root role = %q, want system", root.Role)
	}
	if root.Content != "" {
		t.Errorf("root content = %q, want empty", root.Content)
	}

	got := chainContents(t, conv)
	want := []string{"", "A", "B"}
	if len(got) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	leaf := conv.Message(conv.ActiveLeafID())
	if leaf == nil || leaf.Role != models.RoleAssistant || leaf.Content != "B" {
		t.Errorf("active leaf = %+v, want the assistant turn B", leaf)
	}
	for _, m := range conv.Messages {
		if m.BranchID != models.MainBranch {
			t.Errorf("message %s branch = %q, want %q", m.ID, m.BranchID, models.MainBranch)
		}
	}
}

func TestLegacyRewrittenOnSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldPath := writeLegacy(t, s, "imported_chat.json", legacyFixture)

	conv, err := s.Load(ctx, "X")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// The migrated file replaces the legacy one under the derived name.
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("legacy file still present after save: %v", err)
	}
	newPath := filepath.Join(s.Dir(), "old_X.json")
	data, err := os.ReadFile(newPath)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", newPath, err)
	}
	if strings.Contains(string(data), `"history"`) {
		t.Error("saved file still carries the legacy history key")
	}
	if !strings.Contains(string(data), `"messages"`) {
		t.Error("saved file is missing the messages map")
	}

	reloaded, err := s.Load(ctx, "X")
	if err != nil {
		t.Fatalf("Load() after save error = %v", err)
	}
	if len(reloaded.Messages) != 3 {
		t.Errorf("reloaded message count = %d, want 3", len(reloaded.Messages))
	}
}

func TestLegacyRoleAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writeLegacy(t, s, "aliases.json", `{
  "conversation_id": "Y",
  "history": [
    {"type": "metadata", "content": {"title": "Aliases", "model": "gpt-4o"}},
    {"type": "message", "content": {"role": "system", "text": "Be terse."}},
    {"type": "message", "content": {"role": "human", "text": "Hi"}},
    {"type": "message", "content": {"role": "model", "text": "Hello"}},
    {"type": "message", "content": {"role": "HUMAN", "text": "Again"}},
    {"type": "message", "content": {"role": "AI", "text": "Sure"}}
  ]
}`)

	conv, err := s.Load(ctx, "Y")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// The system turn folds into the synthesized root instead of becoming
	// its own node: root + 4 turns.
	if len(conv.Messages) != 5 {
		t.Fatalf("message count = %d, want 5", len(conv.Messages))
	}
	root := conv.Root()
	if root.Content != "Be terse." {
		t.Errorf("root content = %q, want %q", root.Content, "Be terse.")
	}
	if conv.Metadata.SystemInstruction != "Be terse." {
		t.Errorf("system_instruction = %q, want %q", conv.Metadata.SystemInstruction, "Be terse.")
	}
	if conv.Metadata.Model != "gpt-4o" {
		t.Errorf("model = %q, want %q", conv.Metadata.Model, "gpt-4o")
	}

	chain := chainContents(t, conv)
	want := []string{"Be terse.", "Hi", "Hello", "Again", "Sure"}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}

	msgs, err := graph.New(conv).Chain("")
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	roles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	for i, wantRole := range roles {
		if msgs[i].Role != wantRole {
			t.Errorf("chain[%d] role = %q, want %q", i, msgs[i].Role, wantRole)
		}
	}
}

func TestLegacyDefaultTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writeLegacy(t, s, "untitled.json", `{
  "conversation_id": "Z",
  "history": [
    {"type": "message", "content": {"role": "user", "text": "Anyone there?"}}
  ]
}`)

	conv, err := s.Load(ctx, "Z")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if conv.Metadata.Title != "Untitled" {
		t.Errorf("title = %q, want %q", conv.Metadata.Title, "Untitled")
	}
	if len(conv.Messages) != 2 {
		t.Errorf("message count = %d, want 2", len(conv.Messages))
	}
}

func TestLegacyUnknownKeysSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writeLegacy(t, s, "versioned.json", `{
  "conversation_id": "V",
  "app_version": "0.3.1",
  "history": [
    {"type": "message", "content": {"role": "user", "text": "Hi"}}
  ]
}`)

	conv, err := s.Load(ctx, "V")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := conv.Extra["app_version"]; !ok {
		t.Fatal("conversion dropped the unknown app_version key")
	}

	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), "untitled_V.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"app_version"`) {
		t.Error("saved file lost the unknown app_version key")
	}
}

func TestCurrentLayoutWithHistoryKeyNotConverted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Modern")
	conv.Extra = map[string]json.RawMessage{"history": json.RawMessage(`[]`)}
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := len(loaded.Messages), len(conv.Messages); got != want {
		t.Errorf("message count = %d, want %d (conversion must not trigger)", got, want)
	}
	if _, ok := loaded.Extra["history"]; !ok {
		t.Error("unknown history key was dropped")
	}
}
