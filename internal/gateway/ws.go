package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/orchestrator"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second

	// wsSendBuffer is the per-connection outbound queue. Run events block
	// on it (the orchestrator's subscriber wall breaks truly stalled
	// clients); acks and errors drop when it is full.
	wsSendBuffer = 64
)

// wsCommand is a client→server frame: one conversation operation.
type wsCommand struct {
	Op string `json:"op"` // send | retry | cancel | navigate

	// send
	Content     string              `json:"content,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Stream      *bool               `json:"stream,omitempty"`

	// retry
	MessageID string `json:"message_id,omitempty"`

	// navigate
	NodeID    string `json:"node_id,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// wsAck answers frames that have no event of their own.
type wsAck struct {
	Type      string `json:"type"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// wsSession pumps one WebSocket connection: commands in through readLoop,
// event frames out through writeLoop via a bounded send queue. Server→client
// frames reuse the models.Event JSON shape, so SSE and WebSocket clients
// share one decoder.
type wsSession struct {
	server *Server
	sess   *session.Session
	convID string
	conn   *websocket.Conn

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// handleWebSocket upgrades the request and serves conversation operations
// over the socket until the client disconnects. Generation runs started from
// this socket are cancelled when it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conv := sess.Conversation()
	if conv == nil {
		writeError(w, &providers.Error{Kind: providers.KindNotFound, Message: "conversation not open"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// The request context is unreliable once the connection is hijacked;
	// the socket's own lifetime drives cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	ctx = observability.AddConversationID(ctx, conv.ID)
	ws := &wsSession{
		server: s,
		sess:   sess,
		convID: conv.ID,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.logger.Debug(ctx, "websocket connected", "conversation_id", conv.ID)
	ws.run()
	s.logger.Debug(ctx, "websocket closed", "conversation_id", conv.ID)
}

func (ws *wsSession) run() {
	ws.wg.Add(1)
	go ws.writeLoop()
	ws.readLoop()
	ws.cancel()
	ws.wg.Wait()
	_ = ws.conn.Close()
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			ws.sendError(&providers.Error{Kind: providers.KindBadRequest, Message: "invalid JSON frame", Cause: err})
			continue
		}
		ws.dispatch(cmd)
	}
}

func (ws *wsSession) writeLoop() {
	defer ws.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			return
		case msg, ok := <-ws.send:
			if !ok {
				return
			}
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.cancel()
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.cancel()
				return
			}
		}
	}
}

func (ws *wsSession) dispatch(cmd wsCommand) {
	switch cmd.Op {
	case "send":
		if cmd.Stream != nil {
			ws.sess.SetStreaming(*cmd.Stream)
		}
		run, err := ws.server.orch.Send(ws.ctx, ws.sess, cmd.Content, cmd.Attachments)
		if err != nil {
			ws.sendError(err)
			return
		}
		ws.wg.Add(1)
		go ws.pumpRun(run)

	case "retry":
		messageID := strings.TrimSpace(cmd.MessageID)
		if messageID == "" {
			if conv := ws.sess.Conversation(); conv != nil {
				messageID = conv.ActiveLeafID()
			}
		}
		run, err := ws.server.orch.RetryMessage(ws.ctx, ws.sess, messageID)
		if err != nil {
			ws.sendError(err)
			return
		}
		ws.wg.Add(1)
		go ws.pumpRun(run)

	case "cancel":
		cancelled := ws.server.orch.Cancel(ws.convID)
		data, err := json.Marshal(wsAck{Type: "cancel.ack", Cancelled: cancelled})
		if err == nil {
			ws.enqueue(data)
		}

	case "navigate":
		ev, err := ws.server.orch.Navigate(ws.ctx, ws.sess, cmd.NodeID, cmd.Direction)
		if err != nil {
			ws.sendError(err)
			return
		}
		ws.enqueueEvent(*ev)

	default:
		ws.sendError(&providers.Error{Kind: providers.KindBadRequest, Message: fmt.Sprintf("unknown op %q", cmd.Op)})
	}
}

// pumpRun forwards a run's events into the send queue. Delivery blocks rather
// than drops so event order and terminality survive; once the socket context
// ends, remaining events are drained so the worker can finalise.
func (ws *wsSession) pumpRun(run *orchestrator.Run) {
	defer ws.wg.Done()
	for ev := range run.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case ws.send <- data:
		case <-ws.ctx.Done():
		}
	}
}

func (ws *wsSession) sendError(err error) {
	kind := providers.KindOf(err)
	ws.enqueueEvent(models.Event{
		Type:           models.EventError,
		Time:           time.Now().UTC(),
		ConversationID: ws.convID,
		Error: &models.ErrorPayload{
			Kind:      string(kind),
			Message:   err.Error(),
			Retriable: kind.Retryable(),
			Err:       err,
		},
	})
}

func (ws *wsSession) enqueueEvent(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ws.enqueue(data)
}

// enqueue queues a frame without blocking the caller. Acks and synchronous
// errors are droppable; a full queue logs and moves on.
func (ws *wsSession) enqueue(data []byte) {
	select {
	case ws.send <- data:
	default:
		ws.server.logger.Warn(ws.ctx, "websocket send queue full, dropping frame",
			"conversation_id", ws.convID)
	}
}
