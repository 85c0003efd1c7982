package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/pkg/models"
)

// deleteWait bounds how long deletion waits for a cancelled run to finalise
// before removing the file.
const deleteWait = 5 * time.Second

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("provider"))
	p, err := s.driverFor(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": p.Name(),
		"models":   p.Models(r.Context()),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

type createConversationRequest struct {
	Title             string `json:"title"`
	SystemInstruction string `json:"system_instruction"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Conversation"
	}
	instruction := req.SystemInstruction
	if strings.TrimSpace(instruction) == "" {
		instruction = s.cfg.DefaultSystemInstruction
	}

	sess := s.newSession(instruction)
	conv, err := sess.StartConversation(r.Context(), title)
	if err != nil {
		sess.Close()
		writeError(w, err)
		return
	}
	s.mu.Lock()
	s.sessions[conv.ID] = sess
	s.mu.Unlock()

	s.logger.Info(r.Context(), "conversation created", "conversation_id", conv.ID, "title", title)
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph.New(conv).Tree())
}

type navigateRequest struct {
	NodeID    string `json:"node_id"`
	Direction string `json:"direction"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.orch.Navigate(r.Context(), sess, req.NodeID, req.Direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleCancel requests cancellation of the conversation's in-flight run.
// With nothing active it reports cancelled=false rather than an error, so
// clients can fire it without racing the run's natural completion.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	cancelled := s.orch.Cancel(conv.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// Stop any in-flight run and wait for its finalisation save, so the
	// file cannot reappear after removal.
	if s.orch.Cancel(conv.ID) {
		select {
		case <-s.orch.Done(conv.ID):
		case <-time.After(deleteWait):
		case <-r.Context().Done():
		}
	}
	if sess := s.dropSession(conv.ID); sess != nil {
		sess.Close()
	}
	if err := s.store.Delete(r.Context(), conv.ID); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info(r.Context(), "conversation deleted", "conversation_id", conv.ID)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": conv.ID})
}

func (s *Server) loadConversation(ctx context.Context, identifier string) (*models.Conversation, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: "conversation id is required"}
	}
	return s.store.Load(ctx, identifier)
}
