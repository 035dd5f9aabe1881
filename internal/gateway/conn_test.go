package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wireMessage struct {
	Type       string          `json:"type"`
	Reason     string          `json:"reason"`
	Code       string          `json:"code"`
	Version    int64           `json:"version"`
	Content    string          `json:"content"`
	Change     json.RawMessage `json:"change"`
	ConflictID string          `json:"conflictId"`
}

func startServer(t *testing.T, h *harness) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.gateway.Serve(r.Context(), ws, r.URL.Query().Get("token"))
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, message any) {
	t.Helper()
	if err := ws.WriteJSON(message); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads frames until one of messageType arrives.
func readType(t *testing.T, ws *websocket.Conn, messageType string) wireMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var message wireMessage
		if err := ws.ReadJSON(&message); err != nil {
			t.Fatalf("waiting for %s: %v", messageType, err)
		}
		if message.Type == messageType {
			return message
		}
	}
}

func TestServeRelaysChangesBetweenConnections(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	url := startServer(t, h)

	alice := dial(t, url)
	send(t, alice, map[string]any{"type": MessageJoin, "documentId": testDocumentID, "token": "alice-token"})
	joined := readType(t, alice, MessageJoined)
	if joined.Content != "Hello world" || joined.Version != 1 {
		t.Fatalf("unexpected joined message %+v", joined)
	}

	bob := dial(t, url+"?token=bob-token")
	send(t, bob, map[string]any{"type": MessageJoin, "documentId": testDocumentID})
	readType(t, bob, MessageJoined)
	readType(t, alice, MessagePresenceJoined)

	sendRaw(t, bob, `{"type":"change","change":{"id":"c-1","type":"insert","position":5,"content":"!"}}`)
	ack := readType(t, bob, MessageChangeAck)
	if ack.Version != 2 {
		t.Fatalf("expected ack at version 2, got %+v", ack)
	}

	broadcast := readType(t, alice, MessageChangeBroadcast)
	var change struct {
		ID     string `json:"id"`
		Author string `json:"author"`
	}
	if err := json.Unmarshal(broadcast.Change, &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.ID != "c-1" || change.Author != bobID.String() || broadcast.Version != 2 {
		t.Fatalf("unexpected broadcast %+v %+v", broadcast, change)
	}
	if content := h.store.snapshot(testDocumentID).Content; content != "Hello! world" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestServeRejectsUnauthorizedJoinAndCloses(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	url := startServer(t, h)

	mallory := dial(t, url)
	send(t, mallory, map[string]any{"type": MessageJoin, "documentId": testDocumentID, "token": "mallory-token"})
	rejected := readType(t, mallory, MessageJoinRejected)
	if rejected.Reason != string(CodeUnauthorized) {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	_ = mallory.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := mallory.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after rejection, got %v", err)
	}
	if h.registry.IsPresent(testDocumentID, malloryID) {
		t.Fatalf("rejected user must not be present")
	}
}

func TestServeAnswersInvalidRequests(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	url := startServer(t, h)
	ws := dial(t, url)

	sendRaw(t, ws, `not json`)
	if reply := readType(t, ws, MessageError); reply.Code != string(CodeInvalidRequest) {
		t.Fatalf("unexpected reply %+v", reply)
	}

	sendRaw(t, ws, `{"type":"change","change":{"type":"insert","position":0,"content":"x"}}`)
	if reply := readType(t, ws, MessageError); reply.Code != string(CodeInvalidRequest) {
		t.Fatalf("change before join must be invalid, got %+v", reply)
	}

	sendRaw(t, ws, `{"type":"change","change":{"type":"delete","position":0,"length":0}}`)
	if reply := readType(t, ws, MessageError); reply.Code != string(CodeInvalidRequest) {
		t.Fatalf("malformed change must be invalid, got %+v", reply)
	}

	sendRaw(t, ws, `{"type":"shout"}`)
	if reply := readType(t, ws, MessageError); reply.Code != string(CodeInvalidRequest) {
		t.Fatalf("unknown type must be invalid, got %+v", reply)
	}
}

func TestServeLeaveReleasesPresence(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	url := startServer(t, h)

	bob := dial(t, url)
	send(t, bob, map[string]any{"type": MessageJoin, "documentId": testDocumentID, "token": "bob-token"})
	readType(t, bob, MessageJoined)

	alice := dial(t, url)
	send(t, alice, map[string]any{"type": MessageJoin, "documentId": testDocumentID, "token": "alice-token"})
	readType(t, alice, MessageJoined)
	readType(t, bob, MessagePresenceJoined)

	_ = alice.Close()
	readType(t, bob, MessagePresenceLeft)
	if h.registry.IsPresent(testDocumentID, aliceID) {
		t.Fatalf("disconnected user must leave presence")
	}
}

func TestServeClosesLaggingSessionForResync(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	events := make(chan pubsub.Event, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		session := NewSession()
		session.authenticate(aliceID, "Alice")
		session.authorize(testDocumentID)
		session.join(events, func() {})
		c := &conn{
			gateway: h.gateway,
			ws:      ws,
			session: session,
			send:    make(chan outbound, sendBufferSize),
			logger:  zap.NewNop(),
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		c.startForwarding(ctx)
		c.writeLoop(ctx)
	}))
	t.Cleanup(server.Close)

	alice := dial(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	close(events)

	if message := readType(t, alice, MessageResyncRequired); message.Type != MessageResyncRequired {
		t.Fatalf("unexpected message %+v", message)
	}
	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alice.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after resync notice, got %v", err)
	}
}
