package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/loom/internal/orchestrator"
	"github.com/haasonsaas/loom/pkg/models"
)

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`

	// Stream overrides the conversation's streaming preference when set.
	Stream *bool `json:"stream,omitempty"`
}

type retryRequest struct {
	// MessageID names the assistant node to regenerate. Empty retries the
	// active leaf.
	MessageID string `json:"message_id"`
}

// handleSendMessage appends a user message and streams the generation run
// back as Server-Sent Events. The response is an SSE stream even when the
// provider call is non-streaming; the run then carries no chunk events.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Stream != nil {
		sess.SetStreaming(*req.Stream)
	}
	run, err := s.orch.Send(r.Context(), sess, req.Content, req.Attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamRun(w, r, run)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		if conv := sess.Conversation(); conv != nil {
			messageID = conv.ActiveLeafID()
		}
	}
	run, err := s.orch.RetryMessage(r.Context(), sess, messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamRun(w, r, run)
}

// streamRun writes a run's events to the client as Server-Sent Events, one
// "data: <json>\n\n" record per event, and returns after the terminal event
// closes the channel. A client disconnect cancels the run through the request
// context, so the worker still finalises and persists partial output.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *orchestrator.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range run.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error(r.Context(), "marshal event failed",
				"error", err, "run_id", run.ID, "event_type", string(ev.Type))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}
