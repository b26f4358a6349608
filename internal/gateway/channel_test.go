package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Test_invalid_handshake_tears_down_channel exercises the scenario where
// an agent's first real frame fails tunnel-id validation: the channel
// must stop itself and the registry entry must disappear, all within
// one round trip, without any forwarder ever having to time out against it.
func Test_invalid_handshake_tears_down_channel(t *testing.T) {
	registry := NewRegistry()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ch := newChannel(conn, registry)
		ch.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("failed to read connection_id frame: %v", err)
	}

	if registry.Size() != 1 {
		t.Fatalf("expected one registered entry before handshake, got %d", registry.Size())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"tunnel_id":"not-a-valid-id","agent_version":"x"}`)); err != nil {
		t.Fatalf("failed to write invalid handshake: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Size() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected registry entry to be removed after invalid handshake, still have %d", registry.Size())
}
