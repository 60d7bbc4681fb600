// Copyright 2024-2026 Aiku AI

package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// dialTestWS creates a test HTTP server that upgrades to websocket and returns
// the server-side connection. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side websocket connection")
		return nil, nil
	}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount = %d, want %d", h.ClientCount(), want)
}

func TestHub_ConnectionLimit(t *testing.T) {
	t.Parallel()
	const maxConns = 2
	h := NewHub(maxConns, 0, zerolog.Nop())
	defer h.Close()

	for i := 0; i < maxConns; i++ {
		srv, conn := dialTestWS(t)
		defer srv.Close()
		if _, err := h.AddClient(conn); err != nil {
			t.Fatalf("AddClient[%d]: %v", i, err)
		}
	}

	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()
	if _, err := h.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := h.ClientCount(); got != maxConns {
		t.Fatalf("ClientCount after rejection = %d, want %d", got, maxConns)
	}
}

func TestHub_RemoveClientIdempotent(t *testing.T) {
	t.Parallel()
	h := NewHub(0, 0, zerolog.Nop())
	srv, conn := dialTestWS(t)
	defer srv.Close()

	c, err := h.AddClient(conn)
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	h.RemoveClient(c)
	h.RemoveClient(c)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
}

func TestHub_WriteErrorRemovesClient(t *testing.T) {
	t.Parallel()
	h := NewHub(0, 0, zerolog.Nop())
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	c := &client{conn: serverConn, hub: h, send: make(chan []byte, 4)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"body":"hi"}`)
	go c.writePump()

	waitForClients(t, h, 0)
}

func TestHub_DeliverWithoutSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub(0, 0, zerolog.Nop())
	err := h.Deliver(context.Background(), dispatch.Delivery{SessionID: "s1", Kind: dispatch.KindMessage, Payload: map[string]any{"body": "hi"}})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestHub_DeliverUnmarshalablePayload(t *testing.T) {
	t.Parallel()
	h := NewHub(0, 0, zerolog.Nop())
	err := h.Deliver(context.Background(), dispatch.Delivery{SessionID: "s1", Kind: dispatch.KindMessage, Payload: make(chan int)})
	if err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	t.Parallel()
	h := NewHub(0, 1, zerolog.Nop())
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	// No write pump, so the single-slot queue fills on the first frame.
	c := &client{conn: serverConn, hub: h, send: make(chan []byte, 1)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.Broadcast([]byte(`1`))
	h.Broadcast([]byte(`2`))

	waitForClients(t, h, 0)
}
