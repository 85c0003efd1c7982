package graph

import (
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

const previewLimit = 50

// TreeNode is one node of a rendered tree view.
type TreeNode struct {
	ID             string      `json:"id"`
	Role           models.Role `json:"role"`
	ContentPreview string      `json:"content_preview"`
	Timestamp      time.Time   `json:"timestamp"`
	BranchID       string      `json:"branch_id"`
	Model          string      `json:"model,omitempty"`
	IsActiveLeaf   bool        `json:"is_active_leaf"`
}

// TreeEdge is a parent→child link.
type TreeEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TreeView is the renderable shape of the whole graph.
type TreeView struct {
	Nodes    []TreeNode                  `json:"nodes"`
	Edges    []TreeEdge                  `json:"edges"`
	Metadata models.ConversationMetadata `json:"metadata"`
}

// Tree renders the graph for display. Nodes appear in depth-first order
// from the root, children in insertion order, so the layout is stable
// across calls.
func (g *Graph) Tree() *TreeView {
	view := &TreeView{Metadata: g.conv.Metadata}
	root := g.conv.Root()
	if root == nil {
		return view
	}
	activeLeaf := g.conv.ActiveLeafID()

	stack := []*models.Message{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		view.Nodes = append(view.Nodes, TreeNode{
			ID:             node.ID,
			Role:           node.Role,
			ContentPreview: Preview(node.Content),
			Timestamp:      node.Timestamp,
			BranchID:       node.BranchID,
			Model:          node.Model,
			IsActiveLeaf:   node.ID == activeLeaf,
		})
		for _, childID := range node.Children {
			if g.conv.Message(childID) != nil {
				view.Edges = append(view.Edges, TreeEdge{From: node.ID, To: childID})
			}
		}
		// Push children in reverse so they pop in insertion order.
		for i := len(node.Children) - 1; i >= 0; i-- {
			if child := g.conv.Message(node.Children[i]); child != nil {
				stack = append(stack, child)
			}
		}
	}
	return view
}

// Preview truncates content for display: the first 50 characters plus "..."
// when longer.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "..."
}
