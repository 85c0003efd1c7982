package models

import (
	"time"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	// Generation lifecycle, emitted by one worker in this order:
	// started, chunk*, usage?, then exactly one of done/error/cancelled.
	EventStarted   EventType = "generation.started"
	EventChunk     EventType = "generation.chunk"
	EventUsage     EventType = "generation.usage"
	EventThinking  EventType = "generation.thinking"
	EventDone      EventType = "generation.done"
	EventError     EventType = "generation.error"
	EventCancelled EventType = "generation.cancelled"

	// Navigation, emitted synchronously outside any worker.
	EventNavChanged EventType = "nav.changed"
)

// Event is the unified stream event delivered to a worker's subscriber.
// It drives the CLI renderer, the SSE and WebSocket transports, and tests.
//
// Design principles (matching the rest of the wire surface):
//   - Single Type discriminator with optional payload pointers; exactly one
//     payload is non-nil for a given Type.
//   - Monotonic Sequence within a worker for ordering guarantees across
//     goroutines.
type Event struct {
	Type           EventType `json:"type"`
	Time           time.Time `json:"time"`
	Sequence       uint64    `json:"seq"`
	ConversationID string    `json:"conversation_id,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`

	Started   *StartedPayload   `json:"started,omitempty"`
	Chunk     *ChunkPayload     `json:"chunk,omitempty"`
	Usage     *TokenUsage       `json:"usage,omitempty"`
	Thinking  *ThinkingPayload  `json:"thinking,omitempty"`
	Done      *DonePayload      `json:"done,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Cancelled *CancelledPayload `json:"cancelled,omitempty"`
	Nav       *NavPayload       `json:"nav,omitempty"`
}

// Terminal reports whether the event ends a worker's stream. A subscriber
// sees exactly one terminal event, after which the stream closes.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}

// StartedPayload announces a worker beginning a provider call.
type StartedPayload struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ChunkPayload carries one streamed text delta, in provider order.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ThinkingPayload carries an intermediate reasoning step for models that
// expose them.
type ThinkingPayload struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// DonePayload finalises a successful generation.
type DonePayload struct {
	FullText   string      `json:"full_text"`
	MessageID  string      `json:"message_id"`
	ParentID   string      `json:"parent_id,omitempty"`
	Model      string      `json:"model,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
	ResponseID string      `json:"response_id,omitempty"`
}

// ErrorPayload surfaces a failed generation.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	// Retriable indicates whether resubmitting the same intent may succeed.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized). Preserved
	// for errors.Is/errors.As in in-process subscribers.
	Err error `json:"-"`
}

// CancelledPayload ends a stream that was cancelled before completion.
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HistoryEntry is one node of the active linear history in a NavPayload.
type HistoryEntry struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	BranchID string `json:"branch_id"`
}

// NavPayload reports the conversation state after a navigation.
type NavPayload struct {
	ActiveLeaf   string         `json:"active_leaf"`
	ActiveBranch string         `json:"active_branch"`
	History      []HistoryEntry `json:"history_snapshot"`
}
