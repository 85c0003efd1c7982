package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/pkg/models"
)

// Early releases stored conversations as a flat "history" array of typed
// entries instead of a message graph. Those files are converted in memory on
// load; the file itself is rewritten in the current layout on the next save.

type legacyEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type legacyMetadata struct {
	Title             string `json:"title"`
	Model             string `json:"model"`
	SystemInstruction string `json:"system_instruction"`
}

type legacyMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// decodeConversation unmarshals one conversation file, detecting and
// converting the legacy layout. Detection keys on a top-level "history"
// array with no "messages" map, so an already-converted file never converts
// twice.
func decodeConversation(data []byte) (*models.Conversation, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	_, hasHistory := top["history"]
	_, hasMessages := top["messages"]
	if hasHistory && !hasMessages {
		return convertLegacy(data, top)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// convertLegacy rebuilds a legacy flat history as a conversation graph: a
// synthesized system root on "main", one node per history message in order,
// and the original conversation id. Roles go through NormalizeRole, so
// "ai"/"model" land as assistant turns and "human" as user turns. Top-level
// keys other than the legacy ones are preserved like any unknown key.
func convertLegacy(data []byte, top map[string]json.RawMessage) (*models.Conversation, error) {
	var file struct {
		ConversationID string        `json:"conversation_id"`
		History        []legacyEntry `json:"history"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("legacy layout: %w", err)
	}

	var meta legacyMetadata
	for _, entry := range file.History {
		if entry.Type != "metadata" {
			continue
		}
		if err := json.Unmarshal(entry.Content, &meta); err != nil {
			return nil, fmt.Errorf("legacy metadata entry: %w", err)
		}
		break
	}

	title := meta.Title
	if title == "" {
		title = "Untitled"
	}

	g := graph.NewConversation(title, meta.SystemInstruction)
	conv := g.Conversation()
	if file.ConversationID != "" {
		conv.ID = file.ConversationID
	}
	conv.Metadata.Model = meta.Model

	for _, entry := range file.History {
		if entry.Type != "message" {
			continue
		}
		var msg legacyMessage
		if err := json.Unmarshal(entry.Content, &msg); err != nil {
			return nil, fmt.Errorf("legacy message entry: %w", err)
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		switch models.NormalizeRole(msg.Role) {
		case models.RoleSystem:
			// A system turn in the history folds into the synthesized
			// root rather than becoming its own node.
			if root := conv.Root(); root != nil && root.Content == "" {
				root.Content = msg.Text
				conv.Metadata.SystemInstruction = msg.Text
			}
		case models.RoleAssistant:
			if _, err := g.AddAssistant(msg.Text, meta.Model, nil, nil, "", nil, ""); err != nil {
				return nil, fmt.Errorf("legacy assistant entry: %w", err)
			}
		default:
			if _, err := g.AddUser(msg.Text, nil); err != nil {
				return nil, fmt.Errorf("legacy user entry: %w", err)
			}
		}
	}

	for key, raw := range top {
		switch key {
		case "conversation_id", "history", "metadata", "messages", "branches":
			continue
		}
		if conv.Extra == nil {
			conv.Extra = make(map[string]json.RawMessage)
		}
		conv.Extra[key] = raw
	}

	return conv, nil
}
