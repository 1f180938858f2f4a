package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, b *Broadcaster) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(b)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	b := New(64)
	srv, wsURL := newTestServer(t, b)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitForClientCount(t, b, 1)

	b.Broadcast([]byte(`{"id":"alert-1"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != `{"id":"alert-1"}` {
		t.Fatalf("unexpected payload: %s", msg)
	}
}

func TestClientRespondsPongToPing(t *testing.T) {
	b := New(64)
	srv, wsURL := newTestServer(t, b)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitForClientCount(t, b, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != "pong" {
		t.Fatalf("expected pong, got %s", msg)
	}
}

func TestDisconnectDecrementsClientCount(t *testing.T) {
	b := New(64)
	srv, wsURL := newTestServer(t, b)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitForClientCount(t, b, 1)

	conn.Close()
	waitForClientCount(t, b, 0)
}

func waitForClientCount(t *testing.T, b *Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, got %d", want, b.ClientCount())
}
