package wsbridge

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecore/socialnode/internal/notify"
)

func TestHandlerSubscribeAndDeliver(t *testing.T) {
	registry := notify.NewRegistry(nil)
	proto := notify.NewProtocol(registry, func() int { return 7 }, nil)
	handler := NewHandler(proto, nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"addr":"A1","nonce":"n1"}`)); err != nil {
		t.Fatalf("write subscribe message: %v", err)
	}

	var sub *notify.Subscriber
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		registry.Iterate(func(id string, s *notify.Subscriber) {
			if s.Address == "A1" {
				sub = s
			}
		})
		if sub != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sub == nil {
		t.Fatal("subscriber never registered")
	}
	if sub.Block != 7 {
		t.Fatalf("sub.Block = %d, want 7 (from HeightSource default)", sub.Block)
	}

	wsConn := sub.Connection()
	if wsConn == nil {
		t.Fatal("Connection() resolved to nil for a still-open connection")
	}
	if err := wsConn.Send([]byte(`{"kind":"post","address":"A1"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !strings.Contains(string(data), `"address":"A1"`) {
		t.Fatalf("received %q, want it to contain the pushed event", data)
	}
}

func TestHandlerDisconnectRemovesSubscriber(t *testing.T) {
	registry := notify.NewRegistry(nil)
	proto := notify.NewProtocol(registry, func() int { return 1 }, nil)
	handler := NewHandler(proto, nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"addr":"A2","nonce":"n2"}`)); err != nil {
		t.Fatalf("write subscribe message: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && registry.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() == 0 {
		t.Fatal("subscriber never registered before disconnect test")
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && registry.Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() != 0 {
		t.Fatal("subscriber was not removed after client disconnect")
	}
}
