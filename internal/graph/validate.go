package graph

import (
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

// Validate checks the structural invariants of the wrapped conversation.
// A nil return means the graph is well-formed; any error wraps ErrInvariant
// and names the first violated rule.
//
// Checked rules:
//  1. every non-root message's parent exists and lists it as a child
//  2. no child list contains duplicates
//  3. the active leaf resolves, and walking parent links from it reaches
//     the root without revisiting a node
//  4. each branch's message_count equals the live number of messages
//     carrying the branch id
//  5. the active branch exists; when the active leaf sits on it, the
//     branch's last_message is the active leaf
//  6. exactly one root exists and its role is system
func (g *Graph) Validate() error {
	c := g.conv

	var root *models.Message
	for id, m := range c.Messages {
		if m == nil {
			return fmt.Errorf("message %s is nil: %w", id, ErrInvariant)
		}
		if m.ID != id {
			return fmt.Errorf("message %s keyed as %s: %w", m.ID, id, ErrInvariant)
		}
		if m.ParentID == nil {
			if root != nil {
				return fmt.Errorf("multiple roots %s and %s: %w", root.ID, m.ID, ErrInvariant)
			}
			root = m
			continue
		}
		parent := c.Message(*m.ParentID)
		if parent == nil {
			return fmt.Errorf("message %s parent %s missing: %w", m.ID, *m.ParentID, ErrInvariant)
		}
		if !containsID(parent.Children, m.ID) {
			return fmt.Errorf("message %s not listed in parent %s children: %w", m.ID, parent.ID, ErrInvariant)
		}
	}
	if root == nil {
		return fmt.Errorf("no root message: %w", ErrInvariant)
	}
	if root.Role != models.RoleSystem {
		return fmt.Errorf("root %s role %s is not system: %w", root.ID, root.Role, ErrInvariant)
	}

	for _, m := range c.Messages {
		seen := make(map[string]bool, len(m.Children))
		for _, childID := range m.Children {
			if seen[childID] {
				return fmt.Errorf("message %s lists child %s twice: %w", m.ID, childID, ErrInvariant)
			}
			seen[childID] = true
			if c.Message(childID) == nil {
				return fmt.Errorf("message %s child %s missing: %w", m.ID, childID, ErrInvariant)
			}
		}
	}

	leafID := c.ActiveLeafID()
	if leafID == "" {
		return fmt.Errorf("active leaf unset: %w", ErrInvariant)
	}
	leaf := c.Message(leafID)
	if leaf == nil {
		return fmt.Errorf("active leaf %s missing: %w", leafID, ErrInvariant)
	}
	visited := make(map[string]bool, len(c.Messages))
	for node := leaf; ; {
		if visited[node.ID] {
			return fmt.Errorf("active chain revisits %s: %w", node.ID, ErrInvariant)
		}
		visited[node.ID] = true
		if node.ParentID == nil {
			break
		}
		node = c.Message(*node.ParentID)
		if node == nil {
			return fmt.Errorf("active chain broken: %w", ErrInvariant)
		}
	}

	counts := map[string]int{}
	for _, m := range c.Messages {
		counts[m.BranchID]++
	}
	for branchID, info := range c.Branches {
		if info == nil {
			return fmt.Errorf("branch %s is nil: %w", branchID, ErrInvariant)
		}
		if counts[branchID] != info.MessageCount {
			return fmt.Errorf("branch %s message_count %d, live count %d: %w",
				branchID, info.MessageCount, counts[branchID], ErrInvariant)
		}
	}

	active, ok := c.Branches[c.Metadata.ActiveBranch]
	if !ok {
		return fmt.Errorf("active branch %s missing: %w", c.Metadata.ActiveBranch, ErrInvariant)
	}
	if leaf.BranchID == c.Metadata.ActiveBranch && active.LastMessage != leafID {
		return fmt.Errorf("active branch %s last_message %s, active leaf %s: %w",
			c.Metadata.ActiveBranch, active.LastMessage, leafID, ErrInvariant)
	}

	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
