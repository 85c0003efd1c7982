package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestNewConversation(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "You are helpful.")
	c := g.Conversation()

	if c.ID == "" {
		t.Fatal("conversation id is empty")
	}
	if c.Metadata.Title != "T1" {
		t.Errorf("title = %q, want %q", c.Metadata.Title, "T1")
	}
	if c.Metadata.ActiveBranch != models.MainBranch {
		t.Errorf("active_branch = %q, want %q", c.Metadata.ActiveBranch, models.MainBranch)
	}
	root := c.Root()
	if root == nil {
		t.Fatal("no root message")
	}
	if root.Role != models.RoleSystem {
		t.Errorf("root role = %q, want system", root.Role)
	}
	if root.Content != "You are helpful." {
		t.Errorf("root content = %q", root.Content)
	}
	if c.ActiveLeafID() != root.ID {
		t.Errorf("active_leaf = %q, want root %q", c.ActiveLeafID(), root.ID)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestAddUserAndAssistant(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "You are helpful.")
	root := g.Conversation().Root()

	user, err := g.AddUser("Hi", nil)
	if err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if user.ParentID == nil || *user.ParentID != root.ID {
		t.Fatalf("user parent = %v, want %q", user.ParentID, root.ID)
	}
	if user.BranchID != models.MainBranch {
		t.Errorf("user branch = %q, want main", user.BranchID)
	}

	usage := &models.TokenUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}
	asst, err := g.AddAssistant("Hello!", "test-model", nil, usage, "resp-1", nil, "")
	if err != nil {
		t.Fatalf("AddAssistant() error = %v", err)
	}
	if asst.ParentID == nil || *asst.ParentID != user.ID {
		t.Fatalf("assistant parent = %v, want %q", asst.ParentID, user.ID)
	}
	if asst.TokenUsage == nil || asst.TokenUsage.TotalTokens != 7 {
		t.Errorf("assistant usage = %+v, want total 7", asst.TokenUsage)
	}

	c := g.Conversation()
	if len(c.Messages) != 3 {
		t.Fatalf("message count = %d, want 3", len(c.Messages))
	}
	if c.ActiveLeafID() != asst.ID {
		t.Errorf("active_leaf = %q, want %q", c.ActiveLeafID(), asst.ID)
	}

	chain, err := g.Chain(models.MainBranch)
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].Role != models.RoleSystem || chain[1].Content != "Hi" || chain[2].Content != "Hello!" {
		t.Errorf("chain order wrong: %q %q %q", chain[0].Role, chain[1].Content, chain[2].Content)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestRetryCreatesSibling(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "You are helpful.")
	user, _ := g.AddUser("Hi", nil)
	first, _ := g.AddAssistant("Hello!", "test-model", nil, nil, "", nil, "")

	retried, err := g.Retry(first.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if _, err := g.CompleteAssistant(retried.ID, "Hey!", "test-model", nil, nil, "", false); err != nil {
		t.Fatalf("CompleteAssistant() error = %v", err)
	}

	if len(user.Children) != 2 {
		t.Fatalf("user children = %d, want 2", len(user.Children))
	}
	c := g.Conversation()
	if c.Metadata.ActiveBranch == models.MainBranch {
		t.Error("active_branch still main after retry")
	}
	if !strings.HasPrefix(retried.BranchID, "branch-") || len(retried.BranchID) != len("branch-")+8 {
		t.Errorf("branch id = %q, want branch-<8 hex>", retried.BranchID)
	}
	for _, r := range retried.BranchID[len("branch-"):] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("branch id %q contains non-hex %q", retried.BranchID, r)
		}
	}
	if c.ActiveLeafID() != retried.ID {
		t.Errorf("active_leaf = %q, want %q", c.ActiveLeafID(), retried.ID)
	}

	sibs, err := g.Siblings(retried.ID)
	if err != nil {
		t.Fatalf("Siblings() error = %v", err)
	}
	if len(sibs.List) != 2 {
		t.Errorf("sibling total = %d, want 2", len(sibs.List))
	}
	if sibs.Index != 1 {
		t.Errorf("sibling index = %d, want 1", sibs.Index)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestRetryPreconditions(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	user, _ := g.AddUser("Hi", nil)

	if _, err := g.Retry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retry(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := g.Retry(user.ID); !errors.Is(err, ErrInvariant) {
		t.Errorf("Retry(user) error = %v, want ErrInvariant", err)
	}
}

func TestNavigatePrevNext(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "You are helpful.")
	g.AddUser("Hi", nil)
	first, _ := g.AddAssistant("Hello!", "test-model", nil, nil, "", nil, "")
	retried, _ := g.Retry(first.ID)
	g.CompleteAssistant(retried.ID, "Hey!", "test-model", nil, nil, "", false)

	prev, err := g.Navigate(retried.ID, DirectionPrev)
	if err != nil {
		t.Fatalf("Navigate(prev) error = %v", err)
	}
	if prev.ID != first.ID {
		t.Fatalf("Navigate(prev) = %q, want original %q", prev.ID, first.ID)
	}
	c := g.Conversation()
	if prev.BranchID != models.MainBranch || c.Metadata.ActiveBranch != models.MainBranch {
		t.Errorf("after prev: branch = %q, active_branch = %q, want main", prev.BranchID, c.Metadata.ActiveBranch)
	}

	next, err := g.Navigate(prev.ID, DirectionNext)
	if err != nil {
		t.Fatalf("Navigate(next) error = %v", err)
	}
	if next.ID != retried.ID {
		t.Errorf("Navigate(next) = %q, want %q", next.ID, retried.ID)
	}
	if c.ActiveLeafID() != retried.ID {
		t.Errorf("active_leaf = %q, want %q", c.ActiveLeafID(), retried.ID)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestNavigateCyclesAndEdgeCases(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	user, _ := g.AddUser("Hi", nil)
	first, _ := g.AddAssistant("A", "m", nil, nil, "", nil, "")
	second, _ := g.Retry(first.ID)
	g.CompleteAssistant(second.ID, "B", "m", nil, nil, "", false)

	// prev from index 0 wraps to the end.
	got, err := g.Navigate(first.ID, DirectionPrev)
	if err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("cyclic prev = %q, want %q", got.ID, second.ID)
	}

	// none activates the node itself.
	got, err = g.Navigate(first.ID, DirectionNone)
	if err != nil {
		t.Fatalf("Navigate(none) error = %v", err)
	}
	if got.ID != first.ID || g.Conversation().ActiveLeafID() != first.ID {
		t.Errorf("none: leaf = %q, want %q", g.Conversation().ActiveLeafID(), first.ID)
	}

	// navigating a user node rotates through its assistant children.
	got, err = g.Navigate(user.ID, DirectionNext)
	if err != nil {
		t.Fatalf("Navigate(user, next) error = %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("user next = %q, want first child %q", got.ID, first.ID)
	}

	// single sibling: no-op besides activation.
	solo := NewConversation("T2", "sys")
	u, _ := solo.AddUser("Hi", nil)
	a, _ := solo.AddAssistant("only", "m", nil, nil, "", nil, "")
	got, err = solo.Navigate(a.ID, DirectionNext)
	if err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("single sibling next = %q, want %q", got.ID, a.ID)
	}
	_ = u

	if _, err := g.Navigate("missing", DirectionNext); !errors.Is(err, ErrNotFound) {
		t.Errorf("Navigate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBranchCountsStayLive(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	g.AddUser("one", nil)
	first, _ := g.AddAssistant("A", "m", nil, nil, "", nil, "")
	c := g.Conversation()

	if got := c.Branches[models.MainBranch].MessageCount; got != 3 {
		t.Fatalf("main count = %d, want 3", got)
	}

	second, _ := g.Retry(first.ID)
	if got := c.Branches[models.MainBranch].MessageCount; got != 3 {
		t.Errorf("main count after retry = %d, want 3", got)
	}
	if got := c.Branches[second.BranchID].MessageCount; got != 1 {
		t.Errorf("retry branch count = %d, want 1", got)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestChainOnBranch(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	g.AddUser("Hi", nil)
	first, _ := g.AddAssistant("A", "m", nil, nil, "", nil, "")
	second, _ := g.Retry(first.ID)
	g.CompleteAssistant(second.ID, "B", "m", nil, nil, "", false)

	chain, err := g.Chain(second.BranchID)
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[2].ID != second.ID {
		t.Errorf("chain tip = %q, want %q", chain[2].ID, second.ID)
	}

	if _, err := g.Chain("branch-ffffffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Chain(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCompleteAssistantTruncated(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	g.AddUser("Hi", nil)
	first, _ := g.AddAssistant("A", "m", nil, nil, "", nil, "")
	second, _ := g.Retry(first.ID)

	node, err := g.CompleteAssistant(second.ID, "partial", "m", nil, nil, "", true)
	if err != nil {
		t.Fatalf("CompleteAssistant() error = %v", err)
	}
	if !node.Truncated() {
		t.Error("truncated marker not set")
	}
}

func TestTreePreview(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)
	g := NewConversation("T1", "sys")
	g.AddUser(long, nil)
	asst, _ := g.AddAssistant("short", "m", nil, nil, "", nil, "")

	view := g.Tree()
	if len(view.Nodes) != 3 {
		t.Fatalf("tree nodes = %d, want 3", len(view.Nodes))
	}
	var userPreview string
	for _, n := range view.Nodes {
		if n.Role == models.RoleUser {
			userPreview = n.ContentPreview
		}
		if n.ID == asst.ID && !n.IsActiveLeaf {
			t.Error("active leaf not flagged in tree")
		}
	}
	want := strings.Repeat("x", 50) + "..."
	if userPreview != want {
		t.Errorf("preview = %q, want %q", userPreview, want)
	}
	if len(view.Edges) != 2 {
		t.Errorf("tree edges = %d, want 2", len(view.Edges))
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	t.Parallel()

	g := NewConversation("T1", "sys")
	user, _ := g.AddUser("Hi", nil)
	c := g.Conversation()

	// Orphan the user node.
	missing := "not-a-message"
	user.ParentID = &missing
	if err := g.Validate(); !errors.Is(err, ErrInvariant) {
		t.Errorf("Validate() error = %v, want ErrInvariant", err)
	}
	_ = c
}

func TestParseDirection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Direction
		wantErr bool
	}{
		{"prev", DirectionPrev, false},
		{"next", DirectionNext, false},
		{"none", DirectionNone, false},
		{"", DirectionNone, false},
		{"sideways", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDirection(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDirection(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDirection(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
