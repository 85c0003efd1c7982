// Package graph implements the conversation graph engine: a persistent DAG
// of messages with branch labels, sibling retries, and active-leaf
// bookkeeping. All conversation mutation flows through a Graph; nothing else
// edits a models.Conversation in place.
package graph

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrNotFound is returned when a message id does not resolve.
	ErrNotFound = errors.New("message not found")

	// ErrInvariant is returned when an operation would break the graph
	// invariants. It indicates a bug in the caller, not bad user input.
	ErrInvariant = errors.New("graph invariant violation")
)

// Direction selects a sibling during navigation.
type Direction string

const (
	DirectionPrev Direction = "prev"
	DirectionNext Direction = "next"
	DirectionNone Direction = "none"
)

// ParseDirection validates a wire-level direction string.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(raw) {
	case DirectionPrev, DirectionNext, DirectionNone:
		return Direction(raw), nil
	case "":
		return DirectionNone, nil
	}
	return "", fmt.Errorf("unknown direction %q", raw)
}

// Graph wraps one conversation with its mutation and traversal operations.
// A Graph is not safe for concurrent use; the orchestrator serialises
// access per conversation.
type Graph struct {
	conv *models.Conversation
	now  func() time.Time
}

// New wraps an existing conversation.
func New(conv *models.Conversation) *Graph {
	return &Graph{conv: conv, now: time.Now}
}

// NewConversation creates a conversation with a system root on branch
// "main", active_branch "main" and active_leaf at the root.
func NewConversation(title, systemInstruction string) *Graph {
	now := time.Now().UTC()
	root := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleSystem,
		Content:   systemInstruction,
		Timestamp: now,
		BranchID:  models.MainBranch,
		Children:  []string{},
	}
	conv := &models.Conversation{
		ID: uuid.NewString(),
		Metadata: models.ConversationMetadata{
			Title:             title,
			CreatedAt:         now,
			UpdatedAt:         now,
			ActiveBranch:      models.MainBranch,
			ActiveLeaf:        models.Ptr(root.ID),
			SystemInstruction: systemInstruction,
		},
		Messages: map[string]*models.Message{root.ID: root},
		Branches: map[string]*models.BranchInfo{
			models.MainBranch: {CreatedAt: now, LastMessage: root.ID, MessageCount: 1},
		},
	}
	return &Graph{conv: conv, now: time.Now}
}

// Conversation returns the wrapped conversation.
func (g *Graph) Conversation() *models.Conversation {
	return g.conv
}

// AddUser appends a user message under the active leaf on the active branch
// and makes it the new active leaf.
func (g *Graph) AddUser(content string, attachments []models.Attachment) (*models.Message, error) {
	parent, err := g.activeLeaf()
	if err != nil {
		return nil, fmt.Errorf("add user: %w", err)
	}
	msg := &models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleUser,
		Content:     content,
		Timestamp:   g.now().UTC(),
		ParentID:    models.Ptr(parent.ID),
		BranchID:    g.conv.Metadata.ActiveBranch,
		Children:    []string{},
		Attachments: attachments,
	}
	g.attach(parent, msg)
	g.activate(msg)
	g.conv.Metadata.UpdatedAt = g.now().UTC()
	return msg, nil
}

// AddAssistant appends an assistant message. A nil parentID attaches under
// the active leaf; an empty branchID uses the active branch. The new node
// becomes the active leaf, and the active branch follows the node's branch.
func (g *Graph) AddAssistant(content, model string, params map[string]any, usage *models.TokenUsage, responseID string, parentID *string, branchID string) (*models.Message, error) {
	var parent *models.Message
	if parentID != nil {
		parent = g.conv.Message(*parentID)
		if parent == nil {
			return nil, fmt.Errorf("add assistant: parent %s: %w", *parentID, ErrNotFound)
		}
	} else {
		var err error
		parent, err = g.activeLeaf()
		if err != nil {
			return nil, fmt.Errorf("add assistant: %w", err)
		}
	}
	if branchID == "" {
		branchID = g.conv.Metadata.ActiveBranch
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleAssistant,
		Content:    content,
		Timestamp:  g.now().UTC(),
		ParentID:   models.Ptr(parent.ID),
		BranchID:   branchID,
		Children:   []string{},
		Model:      model,
		Params:     params,
		TokenUsage: usage,
		ResponseID: responseID,
	}
	g.attach(parent, msg)
	g.activate(msg)
	g.conv.Metadata.UpdatedAt = g.now().UTC()
	return msg, nil
}

// Retry creates a fresh assistant sibling for a previous assistant reply.
// The new node starts on a fresh branch, attached to the same user parent,
// with empty content; the orchestrator completes it once the provider call
// finishes (CompleteAssistant). Active branch and leaf move to the new node.
func (g *Graph) Retry(assistantID string) (*models.Message, error) {
	node := g.conv.Message(assistantID)
	if node == nil {
		return nil, fmt.Errorf("retry %s: %w", assistantID, ErrNotFound)
	}
	if node.Role != models.RoleAssistant {
		return nil, fmt.Errorf("retry %s: role %s is not assistant: %w", assistantID, node.Role, ErrInvariant)
	}
	if node.ParentID == nil {
		return nil, fmt.Errorf("retry %s: assistant has no parent: %w", assistantID, ErrInvariant)
	}
	parent := g.conv.Message(*node.ParentID)
	if parent == nil {
		return nil, fmt.Errorf("retry %s: parent %s: %w", assistantID, *node.ParentID, ErrNotFound)
	}
	if parent.Role != models.RoleUser {
		return nil, fmt.Errorf("retry %s: parent role %s is not user: %w", assistantID, parent.Role, ErrInvariant)
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   "",
		Timestamp: g.now().UTC(),
		ParentID:  models.Ptr(parent.ID),
		BranchID:  g.newBranchID(),
		Children:  []string{},
	}
	g.attach(parent, msg)
	g.activate(msg)
	g.conv.Metadata.UpdatedAt = g.now().UTC()
	return msg, nil
}

// CompleteAssistant fills a pending assistant node created by Retry with the
// generation result. Only worker finalisation calls this.
func (g *Graph) CompleteAssistant(id, content, model string, params map[string]any, usage *models.TokenUsage, responseID string, truncated bool) (*models.Message, error) {
	node := g.conv.Message(id)
	if node == nil {
		return nil, fmt.Errorf("complete assistant %s: %w", id, ErrNotFound)
	}
	if node.Role != models.RoleAssistant {
		return nil, fmt.Errorf("complete assistant %s: role %s: %w", id, node.Role, ErrInvariant)
	}
	node.Content = content
	node.Model = model
	node.Params = params
	node.TokenUsage = usage
	node.ResponseID = responseID
	if truncated {
		if node.ModelInfo == nil {
			node.ModelInfo = map[string]any{}
		}
		node.ModelInfo["truncated"] = true
	}
	g.conv.Metadata.UpdatedAt = g.now().UTC()
	return node, nil
}

// SiblingSet is the result of a Siblings lookup: the ordered candidate list,
// the queried node's position in it (-1 when absent), and the shared parent.
type SiblingSet struct {
	List     []*models.Message
	Index    int
	ParentID *string
}

// Siblings resolves the sibling list for a node. For an assistant node the
// list is the children of its user parent; for any other node it is the
// node's own children (its assistant alternatives).
func (g *Graph) Siblings(id string) (*SiblingSet, error) {
	node := g.conv.Message(id)
	if node == nil {
		return nil, fmt.Errorf("siblings %s: %w", id, ErrNotFound)
	}
	var ids []string
	var parentID *string
	if node.Role == models.RoleAssistant && node.ParentID != nil {
		parent := g.conv.Message(*node.ParentID)
		if parent == nil {
			return nil, fmt.Errorf("siblings %s: parent %s: %w", id, *node.ParentID, ErrNotFound)
		}
		ids = parent.Children
		parentID = models.Ptr(parent.ID)
	} else {
		ids = node.Children
		parentID = node.ParentID
	}
	set := &SiblingSet{Index: -1, ParentID: parentID}
	for i, childID := range ids {
		child := g.conv.Message(childID)
		if child == nil {
			return nil, fmt.Errorf("siblings %s: child %s: %w", id, childID, ErrNotFound)
		}
		if childID == id {
			set.Index = i
		}
		set.List = append(set.List, child)
	}
	return set, nil
}

// Navigate moves the active leaf. Direction none activates the node itself;
// prev/next rotate cyclically through the sibling list in child insertion
// order and activate the chosen sibling. With fewer than two siblings the
// node itself is activated.
func (g *Graph) Navigate(id string, dir Direction) (*models.Message, error) {
	node := g.conv.Message(id)
	if node == nil {
		return nil, fmt.Errorf("navigate %s: %w", id, ErrNotFound)
	}
	if dir == DirectionNone {
		g.activate(node)
		g.conv.Metadata.UpdatedAt = g.now().UTC()
		return node, nil
	}
	sibs, err := g.Siblings(id)
	if err != nil {
		return nil, err
	}
	if len(sibs.List) <= 1 {
		g.activate(node)
		g.conv.Metadata.UpdatedAt = g.now().UTC()
		return node, nil
	}
	n := len(sibs.List)
	var i int
	switch {
	case sibs.Index < 0 && dir == DirectionNext:
		i = 0
	case sibs.Index < 0 && dir == DirectionPrev:
		i = n - 1
	case dir == DirectionPrev:
		i = (sibs.Index - 1 + n) % n
	default:
		i = (sibs.Index + 1) % n
	}
	chosen := sibs.List[i]
	g.activate(chosen)
	g.conv.Metadata.UpdatedAt = g.now().UTC()
	return chosen, nil
}

// Chain returns the linear history from root to the branch's last message
// (default: the active leaf), in root-first order. This is the context an
// LLM receives.
func (g *Graph) Chain(branchID string) ([]*models.Message, error) {
	var tipID string
	if branchID == "" {
		tipID = g.conv.ActiveLeafID()
	} else {
		branch, ok := g.conv.Branches[branchID]
		if !ok {
			return nil, fmt.Errorf("chain: branch %s: %w", branchID, ErrNotFound)
		}
		tipID = branch.LastMessage
	}
	if tipID == "" {
		return nil, fmt.Errorf("chain: no tip message: %w", ErrInvariant)
	}
	var chain []*models.Message
	seen := make(map[string]bool, len(g.conv.Messages))
	for id := tipID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("chain: cycle at %s: %w", id, ErrInvariant)
		}
		seen[id] = true
		node := g.conv.Message(id)
		if node == nil {
			return nil, fmt.Errorf("chain: message %s: %w", id, ErrNotFound)
		}
		chain = append(chain, node)
		if node.ParentID == nil {
			break
		}
		id = *node.ParentID
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain, nil
}

// History renders the active linear history as snapshot entries for
// navigation events.
func (g *Graph) History() []models.HistoryEntry {
	chain, err := g.Chain("")
	if err != nil {
		return nil
	}
	entries := make([]models.HistoryEntry, 0, len(chain))
	for _, m := range chain {
		entries = append(entries, models.HistoryEntry{
			ID:       m.ID,
			Role:     m.Role,
			Content:  m.Content,
			BranchID: m.BranchID,
		})
	}
	return entries
}

// activeLeaf resolves the active leaf message.
func (g *Graph) activeLeaf() (*models.Message, error) {
	id := g.conv.ActiveLeafID()
	if id == "" {
		return nil, fmt.Errorf("no active leaf: %w", ErrInvariant)
	}
	node := g.conv.Message(id)
	if node == nil {
		return nil, fmt.Errorf("active leaf %s: %w", id, ErrNotFound)
	}
	return node, nil
}

// attach links msg under parent and maintains branch bookkeeping.
func (g *Graph) attach(parent, msg *models.Message) {
	parent.Children = append(parent.Children, msg.ID)
	if g.conv.Messages == nil {
		g.conv.Messages = map[string]*models.Message{}
	}
	g.conv.Messages[msg.ID] = msg
	branch := g.ensureBranch(msg.BranchID)
	branch.LastMessage = msg.ID
	branch.MessageCount++
}

// activate makes msg the active leaf and its branch the active branch.
func (g *Graph) activate(msg *models.Message) {
	g.conv.Metadata.ActiveLeaf = models.Ptr(msg.ID)
	g.conv.Metadata.ActiveBranch = msg.BranchID
	g.ensureBranch(msg.BranchID).LastMessage = msg.ID
}

func (g *Graph) ensureBranch(id string) *models.BranchInfo {
	if g.conv.Branches == nil {
		g.conv.Branches = map[string]*models.BranchInfo{}
	}
	branch, ok := g.conv.Branches[id]
	if !ok {
		branch = &models.BranchInfo{CreatedAt: g.now().UTC()}
		g.conv.Branches[id] = branch
	}
	return branch
}

// newBranchID allocates a retry branch label: "branch-" plus eight hex
// characters of fresh randomness.
func (g *Graph) newBranchID() string {
	for {
		u := uuid.New()
		id := "branch-" + hex.EncodeToString(u[:4])
		if _, exists := g.conv.Branches[id]; !exists {
			return id
		}
	}
}
