package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/pkg/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(t *testing.T, title string) *models.Conversation {
	t.Helper()
	g := graph.NewConversation(title, "Be helpful.")
	if _, err := g.AddUser("Hello", nil); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if _, err := g.AddAssistant("Hi there", "gpt-4o", nil, nil, "", nil, ""); err != nil {
		t.Fatalf("AddAssistant() error = %v", err)
	}
	return g.Conversation()
}

func chainContents(t *testing.T, conv *models.Conversation) []string {
	t.Helper()
	chain, err := graph.New(conv).Chain("")
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	out := make([]string, len(chain))
	for i, m := range chain {
		out[i] = m.Content
	}
	return out
}

func wantKind(t *testing.T, err error, kind providers.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want kind %s", kind)
	}
	if got := providers.KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Round Trip")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if conv.Metadata.UpdatedAt.IsZero() {
		t.Error("Save() did not stamp updated_at")
	}

	loaded, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ID != conv.ID {
		t.Errorf("loaded ID = %q, want %q", loaded.ID, conv.ID)
	}
	if loaded.Metadata.Title != "Round Trip" {
		t.Errorf("loaded title = %q, want %q", loaded.Metadata.Title, "Round Trip")
	}
	if got, want := len(loaded.Messages), len(conv.Messages); got != want {
		t.Errorf("loaded message count = %d, want %d", got, want)
	}
	if got, want := chainContents(t, loaded), chainContents(t, conv); !reflect.DeepEqual(got, want) {
		t.Errorf("loaded chain = %q, want %q", got, want)
	}
	if loaded.ActiveLeafID() != conv.ActiveLeafID() {
		t.Errorf("loaded active leaf = %q, want %q", loaded.ActiveLeafID(), conv.ActiveLeafID())
	}
}

func TestSaveDerivesFilename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Hello, World!")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	want := "hello_world_" + conv.ID + ".json"
	if _, err := os.Stat(filepath.Join(s.Dir(), want)); err != nil {
		t.Fatalf("expected file %s: %v", want, err)
	}
}

func TestSaveUntitledConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := s.Load(ctx, conv.ID); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestSaveSweepsSupersededFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Before")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	oldPath := filepath.Join(s.Dir(), "before_"+conv.ID+".json")
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatalf("expected file before title change: %v", err)
	}

	conv.Metadata.Title = "After"
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("superseded file still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "after_"+conv.ID+".json")); err != nil {
		t.Errorf("new file missing: %v", err)
	}
	summaries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("List() returned %d summaries, want 1", len(summaries))
	}
}

func TestSaveRequiresID(t *testing.T) {
	s := newTestStore(t)

	conv := testConversation(t, "No ID")
	conv.ID = ""
	err := s.Save(context.Background(), conv)
	wantKind(t, err, providers.KindInvariantViolation)
}

func TestLoadResolutionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Project Alpha")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	filename := "project_alpha_" + conv.ID + ".json"

	if _, err := s.List(ctx); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	tests := []struct {
		name       string
		identifier string
	}{
		{"conversation id", conv.ID},
		{"exact filename", filename},
		{"filename without suffix", strings.TrimSuffix(filename, ".json")},
		{"case-insensitive title", "PROJECT ALPHA"},
		{"numeric index", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, err := s.Load(ctx, tt.identifier)
			if err != nil {
				t.Fatalf("Load(%q) error = %v", tt.identifier, err)
			}
			if loaded.ID != conv.ID {
				t.Errorf("Load(%q) ID = %q, want %q", tt.identifier, loaded.ID, conv.ID)
			}
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, testConversation(t, "Only One")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	for _, identifier := range []string{"no-such-id", "missing.json", "0", "2", "-1", ""} {
		_, err := s.Load(ctx, identifier)
		wantKind(t, err, providers.KindNotFound)
	}
}

func TestLoadPrefersTitleOverIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	titled := testConversation(t, "2")
	titled.Metadata.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	other := testConversation(t, "Other")
	other.Metadata.CreatedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, titled); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, other); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load(ctx, "2")
	if err != nil {
		t.Fatalf("Load(2) error = %v", err)
	}
	if loaded.ID != titled.ID {
		t.Errorf("Load(2) resolved %q, want the conversation titled 2 (%q)", loaded.ID, titled.ID)
	}
}

func TestLoadCorruptJSON(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(s.Dir(), "broken_abc.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := s.Load(context.Background(), "broken_abc.json")
	wantKind(t, err, providers.KindConversationCorrupt)
}

func TestLoadInvariantViolation(t *testing.T) {
	s := newTestStore(t)

	raw := `{
  "conversation_id": "inv1",
  "metadata": {
    "title": "Bad",
    "created_at": "2024-01-01T00:00:00Z",
    "updated_at": "2024-01-01T00:00:00Z",
    "active_branch": "main",
    "active_leaf": "m1"
  },
  "messages": {
    "m1": {
      "id": "m1",
      "role": "user",
      "content": "hi",
      "timestamp": "2024-01-01T00:00:00Z",
      "parent_id": "missing-parent",
      "branch_id": "main",
      "children": []
    }
  },
  "branches": {
    "main": {"created_at": "2024-01-01T00:00:00Z", "last_message": "m1", "message_count": 1}
  }
}`
	path := filepath.Join(s.Dir(), "bad_inv1.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := s.Load(context.Background(), "bad_inv1.json")
	wantKind(t, err, providers.KindConversationCorrupt)
}

func TestListSkipsUnreadableFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(s.Dir(), "junk.json"), []byte("not json at all"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	conv := testConversation(t, "Survivor")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	summaries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List() returned %d summaries, want 1", len(summaries))
	}
	if summaries[0].ID != conv.ID {
		t.Errorf("List()[0].ID = %q, want %q", summaries[0].ID, conv.ID)
	}
}

func TestListSummaryFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Summary Check")
	conv.Metadata.Model = "claude-sonnet-4-5"
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	summaries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List() returned %d summaries, want 1", len(summaries))
	}
	sum := summaries[0]
	if sum.Title != "Summary Check" {
		t.Errorf("Title = %q, want %q", sum.Title, "Summary Check")
	}
	if sum.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want %q", sum.Model, "claude-sonnet-4-5")
	}
	if sum.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", sum.MessageCount)
	}
	wantFilename := "summary_check_" + conv.ID + ".json"
	if sum.Filename != wantFilename {
		t.Errorf("Filename = %q, want %q", sum.Filename, wantFilename)
	}
	if sum.Path != filepath.Join(s.Dir(), wantFilename) {
		t.Errorf("Path = %q, want %q", sum.Path, filepath.Join(s.Dir(), wantFilename))
	}
}

func TestListOrdersByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testConversation(t, "Older")
	older.Metadata.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testConversation(t, "Newer")
	newer.Metadata.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Written newest-first to prove the order comes from created_at.
	if err := s.Save(ctx, newer); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, older); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	summaries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("List() returned %d summaries, want 2", len(summaries))
	}
	if summaries[0].Title != "Older" || summaries[1].Title != "Newer" {
		t.Errorf("List() order = [%q, %q], want [Older, Newer]",
			summaries[0].Title, summaries[1].Title)
	}
}

func TestListCacheSeesOwnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, testConversation(t, "First")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := s.List(ctx); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if err := s.Save(ctx, testConversation(t, "Second")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	summaries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("List() after save returned %d summaries, want 2", len(summaries))
	}
}

func TestRenameMovesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "First Title")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	oldPath := filepath.Join(s.Dir(), "first_title_"+conv.ID+".json")

	renamed, err := s.Rename(ctx, conv.ID, "Second Title")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if renamed.Metadata.Title != "Second Title" {
		t.Errorf("renamed title = %q, want %q", renamed.Metadata.Title, "Second Title")
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("old file still present: %v", err)
	}
	newPath := filepath.Join(s.Dir(), "second_title_"+conv.ID+".json")
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("new file missing: %v", err)
	}

	loaded, err := s.Load(ctx, "Second Title")
	if err != nil {
		t.Fatalf("Load(Second Title) error = %v", err)
	}
	if loaded.ID != conv.ID {
		t.Errorf("Load(Second Title) ID = %q, want %q", loaded.ID, conv.ID)
	}
}

func TestRenameSameDerivedFilename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "stable")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// "Stable!" sanitizes to the same slug, so the file must stay put.
	renamed, err := s.Rename(ctx, conv.ID, "Stable!")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if renamed.Metadata.Title != "Stable!" {
		t.Errorf("renamed title = %q, want %q", renamed.Metadata.Title, "Stable!")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "stable_"+conv.ID+".json")); err != nil {
		t.Errorf("file missing after in-place rename: %v", err)
	}
}

func TestRenameRejectsEmptyTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Keep Me")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err := s.Rename(ctx, conv.ID, "   ")
	wantKind(t, err, providers.KindBadRequest)
}

func TestDuplicateRemapsMessageIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := graph.NewConversation("Branchy", "Be helpful.")
	if _, err := g.AddUser("Q1", nil); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	first, err := g.AddAssistant("A1", "gpt-4o", nil, nil, "", nil, "")
	if err != nil {
		t.Fatalf("AddAssistant() error = %v", err)
	}
	retry, err := g.Retry(first.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if _, err := g.CompleteAssistant(retry.ID, "A2", "gpt-4o", nil, nil, "", false); err != nil {
		t.Fatalf("CompleteAssistant() error = %v", err)
	}
	src := g.Conversation()
	if err := s.Save(ctx, src); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dup, err := s.Duplicate(ctx, src.ID, "")
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}

	if dup.ID == src.ID {
		t.Error("duplicate kept the source conversation id")
	}
	if dup.Metadata.Title != "Branchy (Copy)" {
		t.Errorf("duplicate title = %q, want %q", dup.Metadata.Title, "Branchy (Copy)")
	}
	if got, want := len(dup.Messages), len(src.Messages); got != want {
		t.Errorf("duplicate message count = %d, want %d", got, want)
	}
	for id := range dup.Messages {
		if _, clash := src.Messages[id]; clash {
			t.Errorf("duplicate reused message id %s", id)
		}
	}
	if got, want := len(dup.Branches), len(src.Branches); got != want {
		t.Errorf("duplicate branch count = %d, want %d", got, want)
	}
	for branchID, info := range dup.Branches {
		if dup.Message(info.LastMessage) == nil {
			t.Errorf("branch %s last_message %s not in duplicate", branchID, info.LastMessage)
		}
	}

	// The duplicate must be valid on its own and preserve the active chain.
	loaded, err := s.Load(ctx, dup.ID)
	if err != nil {
		t.Fatalf("Load(duplicate) error = %v", err)
	}
	if got, want := chainContents(t, loaded), chainContents(t, src); !reflect.DeepEqual(got, want) {
		t.Errorf("duplicate chain = %q, want %q", got, want)
	}

	// And the source is untouched.
	original, err := s.Load(ctx, src.ID)
	if err != nil {
		t.Fatalf("Load(source) error = %v", err)
	}
	if original.Metadata.Title != "Branchy" {
		t.Errorf("source title = %q, want %q", original.Metadata.Title, "Branchy")
	}
}

func TestDuplicateCustomTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := testConversation(t, "Base")
	if err := s.Save(ctx, src); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dup, err := s.Duplicate(ctx, src.ID, "Fork")
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if dup.Metadata.Title != "Fork" {
		t.Errorf("duplicate title = %q, want %q", dup.Metadata.Title, "Fork")
	}
	if !dup.Metadata.CreatedAt.After(src.Metadata.CreatedAt) {
		t.Errorf("duplicate created_at %v not after source %v",
			dup.Metadata.CreatedAt, src.Metadata.CreatedAt)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Doomed")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	path := filepath.Join(s.Dir(), "doomed_"+conv.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file before delete: %v", err)
	}

	if err := s.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present after delete: %v", err)
	}
	_, err := s.Load(ctx, conv.ID)
	wantKind(t, err, providers.KindNotFound)
}

func TestDeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), "missing")
	wantKind(t, err, providers.KindNotFound)
}

func TestUnknownTopLevelKeysSurviveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Extras")
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	path := filepath.Join(s.Dir(), "extras_"+conv.ID+".json")

	// Simulate a newer version writing an extra top-level key.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	raw["ui_state"] = json.RawMessage(`{"pinned":true}`)
	edited, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loaded, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := loaded.Extra["ui_state"]; !ok {
		t.Fatal("Load() dropped unknown top-level key ui_state")
	}

	if err := s.Save(ctx, loaded); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	final, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(final), `"ui_state"`) || !strings.Contains(string(final), `"pinned"`) {
		t.Error("saved file lost the unknown top-level key ui_state")
	}
}

func TestConcurrentSavesSerialised(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation(t, "Busy")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Save(ctx, conv.Clone()); err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}()
	}
	wg.Wait()

	loaded, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := len(loaded.Messages), len(conv.Messages); got != want {
		t.Errorf("loaded message count = %d, want %d", got, want)
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Hello World", "hello_world"},
		{"Hello, World!", "hello_world"},
		{"CAPS-and_mixed", "caps-and_mixed"},
		{"tabs\tand\nnewlines", "tabs_and_newlines"},
		{" lead and trail ", "_lead_and_trail_"},
		{"", ""},
		{"日本語", ""},
		{strings.Repeat("Long", 15), strings.Repeat("long", 10)},
	}
	for _, tt := range tests {
		if got := sanitizeTitle(tt.title); got != tt.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("", Options{})
	wantKind(t, err, providers.KindConfigInvalid)
}
