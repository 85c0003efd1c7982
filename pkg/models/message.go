// Package models provides domain types for the Loom conversation gateway.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NormalizeRole collapses the role aliases accepted on input:
// {human, user} map to user, {ai, assistant, model} map to assistant,
// {system, developer} map to system. Anything unrecognized is treated
// as user so that imported histories never lose turns.
func NormalizeRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "system", "developer":
		return RoleSystem
	case "ai", "assistant", "model":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Attachment is an opaque file record carried on a user message.
// Preprocessing (tokenisation, previews) happens upstream; drivers only
// flatten the content into the outgoing prompt.
type Attachment struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type,omitempty"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count,omitempty"`
}

// TokenUsage is the uniform token accounting shape returned by drivers.
// Providers that report input_tokens/output_tokens are renamed into this
// form by their driver.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Message is a node in the conversation graph.
//
// Nodes are immutable once finalised; the graph mutators in internal/graph
// are the only writers. Children holds child ids in insertion order, which
// is the order sibling navigation cycles through.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	ParentID    *string        `json:"parent_id"` // nil only for the conversation root
	BranchID    string         `json:"branch_id"`
	Children    []string       `json:"children"`
	Model       string         `json:"model,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	TokenUsage  *TokenUsage    `json:"token_usage,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ResponseID  string         `json:"response_id,omitempty"`

	// ModelInfo carries free-form generation markers, e.g. truncated=true
	// when a stream was interrupted after partial output.
	ModelInfo map[string]any `json:"model_info,omitempty"`
}

// IsRoot reports whether the message is the conversation root.
func (m *Message) IsRoot() bool {
	return m.ParentID == nil
}

// Truncated reports whether the node was finalised from an interrupted stream.
func (m *Message) Truncated() bool {
	if m.ModelInfo == nil {
		return false
	}
	v, ok := m.ModelInfo["truncated"].(bool)
	return ok && v
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ParentID != nil {
		pid := *m.ParentID
		out.ParentID = &pid
	}
	out.Children = append([]string(nil), m.Children...)
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.Params != nil {
		out.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	if m.ModelInfo != nil {
		out.ModelInfo = make(map[string]any, len(m.ModelInfo))
		for k, v := range m.ModelInfo {
			out.ModelInfo[k] = v
		}
	}
	if m.TokenUsage != nil {
		usage := *m.TokenUsage
		out.TokenUsage = &usage
	}
	return &out
}

// Ptr returns a pointer to s. Convenience for nullable id fields.
func Ptr(s string) *string {
	return &s
}
