package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/pkg/models"
)

func wsURL(tg *testGateway, convID string) string {
	return "ws" + strings.TrimPrefix(tg.http.URL, "http") + "/v1/conversations/" + convID + "/ws"
}

func dialWS(t *testing.T, tg *testGateway, convID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(tg, convID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

// readRunEvents reads event frames until the run's terminal event.
func readRunEvents(t *testing.T, conn *websocket.Conn) []models.Event {
	t.Helper()
	var events []models.Event
	for {
		data := readFrame(t, conn)
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event %s: %v", data, err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

func TestWebSocketSendNavigateCancel(t *testing.T) {
	tg := newTestGateway(t, "Hi there.")
	conv := tg.createConversation(t, "Socket")
	conn := dialWS(t, tg, conv.ID)

	writeFrame(t, conn, map[string]string{"op": "send", "content": "Hello"})
	events := readRunEvents(t, conn)
	types := eventTypes(events)
	want := []string{"generation.started", "generation.chunk", "generation.done"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	done := events[len(events)-1].Done
	if done == nil || done.FullText != "Hi there." {
		t.Fatalf("done = %+v, want Hi there.", done)
	}

	writeFrame(t, conn, map[string]string{"op": "navigate", "node_id": done.ParentID, "direction": "none"})
	var nav models.Event
	if err := json.Unmarshal(readFrame(t, conn), &nav); err != nil {
		t.Fatalf("unmarshal nav event: %v", err)
	}
	if nav.Type != models.EventNavChanged {
		t.Fatalf("nav type = %s, want %s", nav.Type, models.EventNavChanged)
	}
	if nav.Nav == nil || nav.Nav.ActiveLeaf != done.ParentID {
		t.Errorf("nav payload = %+v, want active leaf %q", nav.Nav, done.ParentID)
	}

	writeFrame(t, conn, map[string]string{"op": "cancel"})
	var ack struct {
		Type      string `json:"type"`
		Cancelled bool   `json:"cancelled"`
	}
	if err := json.Unmarshal(readFrame(t, conn), &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Type != "cancel.ack" || ack.Cancelled {
		t.Errorf("ack = %+v, want cancel.ack with cancelled=false", ack)
	}
}

func TestWebSocketUnknownOp(t *testing.T) {
	tg := newTestGateway(t)
	conv := tg.createConversation(t, "Socket")
	conn := dialWS(t, tg, conv.ID)

	writeFrame(t, conn, map[string]string{"op": "bogus"})
	var ev models.Event
	if err := json.Unmarshal(readFrame(t, conn), &ev); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	if ev.Type != models.EventError {
		t.Fatalf("type = %s, want %s", ev.Type, models.EventError)
	}
	if ev.Error == nil || ev.Error.Kind != string(providers.KindBadRequest) {
		t.Errorf("error payload = %+v, want kind bad_request", ev.Error)
	}
}

func TestWebSocketUnknownConversation(t *testing.T) {
	tg := newTestGateway(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(tg, "no-such-id"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want %d", resp, http.StatusNotFound)
	}
	resp.Body.Close()
}
