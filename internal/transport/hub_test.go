package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		h.Accept("agent-a", conn)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestHubRegistersAndSendsMessage(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	connected := make(chan string, 1)
	h.OnConnect(func(agentID string) { connected <- agentID })

	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case id := <-connected:
		if id != "agent-a" {
			t.Fatalf("expected agent-a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect callback")
	}

	sock, ok := h.Get("agent-a")
	if !ok {
		t.Fatal("expected socket registered in hub")
	}
	if err := sock.Send(Message{Type: MsgBidRequest, TaskID: "t1"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var got Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if got.Type != MsgBidRequest || got.TaskID != "t1" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestHubDisconnectCallback(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	disconnected := make(chan string, 1)
	h.OnDisconnect(func(agentID string) { disconnected <- agentID })

	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	select {
	case id := <-disconnected:
		if id != "agent-a" {
			t.Fatalf("expected agent-a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
