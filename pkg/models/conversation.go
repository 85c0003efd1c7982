package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MainBranch is the branch id every conversation starts on.
const MainBranch = "main"

// BranchInfo is the per-branch bookkeeping stored alongside messages.
// MessageCount is the live count of messages carrying the branch id.
type BranchInfo struct {
	CreatedAt    time.Time `json:"created_at"`
	LastMessage  string    `json:"last_message"`
	MessageCount int       `json:"message_count"`
}

// ConversationMetadata mirrors the metadata object of the on-disk format.
type ConversationMetadata struct {
	Title               string         `json:"title"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ActiveBranch        string         `json:"active_branch"`
	ActiveLeaf          *string        `json:"active_leaf"`
	Model               string         `json:"model,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	SystemInstruction   string         `json:"system_instruction,omitempty"`
	StreamingPreference *bool          `json:"streaming_preference,omitempty"`
}

// Conversation is the container for one conversation graph, in both its
// in-memory and on-disk forms. Messages is an arena keyed by id; parent and
// child relations are id references, never physical pointers.
//
// Unknown top-level keys encountered on decode are kept in Extra and
// re-emitted on encode so that files written by newer versions survive a
// load/save round-trip.
type Conversation struct {
	ID       string                 `json:"conversation_id"`
	Metadata ConversationMetadata   `json:"metadata"`
	Messages map[string]*Message    `json:"messages"`
	Branches map[string]*BranchInfo `json:"branches,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// conversationJSON is the known on-disk shape, used by the custom codec.
type conversationJSON struct {
	ID       string                 `json:"conversation_id"`
	Metadata ConversationMetadata   `json:"metadata"`
	Messages map[string]*Message    `json:"messages"`
	Branches map[string]*BranchInfo `json:"branches,omitempty"`
}

// UnmarshalJSON decodes the known fields and stashes every other top-level
// key into Extra.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var known conversationJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "conversation_id")
	delete(all, "metadata")
	delete(all, "messages")
	delete(all, "branches")

	c.ID = known.ID
	c.Metadata = known.Metadata
	c.Messages = known.Messages
	c.Branches = known.Branches
	c.Extra = nil
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// MarshalJSON re-emits the known fields plus any preserved unknown keys.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+4)
	for k, v := range c.Extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		out[key] = raw
		return nil
	}
	if err := put("conversation_id", c.ID); err != nil {
		return nil, err
	}
	if err := put("metadata", c.Metadata); err != nil {
		return nil, err
	}
	if err := put("messages", c.Messages); err != nil {
		return nil, err
	}
	if c.Branches != nil {
		if err := put("branches", c.Branches); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Message returns the message with the given id, or nil.
func (c *Conversation) Message(id string) *Message {
	if c.Messages == nil {
		return nil
	}
	return c.Messages[id]
}

// ActiveLeafID returns the active leaf id, or "" when unset.
func (c *Conversation) ActiveLeafID() string {
	if c.Metadata.ActiveLeaf == nil {
		return ""
	}
	return *c.Metadata.ActiveLeaf
}

// Root returns the unique root message (parent_id == null), or nil when the
// conversation is empty or malformed.
func (c *Conversation) Root() *Message {
	for _, m := range c.Messages {
		if m != nil && m.ParentID == nil {
			return m
		}
	}
	return nil
}

// Touch stamps updated_at.
func (c *Conversation) Touch() {
	c.Metadata.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the conversation. Message ids are preserved;
// callers duplicating into a new conversation remap ids themselves.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := &Conversation{
		ID:       c.ID,
		Metadata: c.Metadata,
	}
	if c.Metadata.ActiveLeaf != nil {
		leaf := *c.Metadata.ActiveLeaf
		out.Metadata.ActiveLeaf = &leaf
	}
	if c.Metadata.StreamingPreference != nil {
		pref := *c.Metadata.StreamingPreference
		out.Metadata.StreamingPreference = &pref
	}
	if c.Metadata.Params != nil {
		out.Metadata.Params = make(map[string]any, len(c.Metadata.Params))
		for k, v := range c.Metadata.Params {
			out.Metadata.Params[k] = v
		}
	}
	if c.Messages != nil {
		out.Messages = make(map[string]*Message, len(c.Messages))
		for id, m := range c.Messages {
			out.Messages[id] = m.Clone()
		}
	}
	if c.Branches != nil {
		out.Branches = make(map[string]*BranchInfo, len(c.Branches))
		for id, b := range c.Branches {
			info := *b
			out.Branches[id] = &info
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
