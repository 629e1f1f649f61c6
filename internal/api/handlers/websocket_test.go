package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/lessonsync/internal/notify"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected status %d, got %d", http.StatusSwitchingProtocols, resp.StatusCode)
	}
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WebSocketMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketSendsSnapshotThenNotifications(t *testing.T) {
	e := newEnv(t, nil)
	hub := NewHub(e.facade)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	ws := dialHub(t, hub)
	if msg := readMessage(t, ws); msg.Type != "snapshot" {
		t.Fatalf("Expected message type 'snapshot', got %s", msg.Type)
	}
	waitClients(t, hub, 1)

	notify.Emit(ctx, hub, notify.LevelInfo, "sync", "sync completed")
	msg := readMessage(t, ws)
	if msg.Type != "notification" {
		t.Fatalf("Expected message type 'notification', got %s", msg.Type)
	}
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok || payload["message"] != "sync completed" || payload["source"] != "sync" {
		t.Errorf("unexpected payload %v", msg.Payload)
	}
}

func TestHubNotifyWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		// Nothing drains the hub; the buffer fills and the rest are dropped.
		for i := 0; i < 1000; i++ {
			notify.Emit(context.Background(), hub, notify.LevelInfo, "test", "tick")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
}

func TestHubStopsOnContextCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	ws := dialHub(t, hub)
	waitClients(t, hub, 1)
	cancel()
	<-stopped

	// The hub closed the client's send channel, so the server closes the socket.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if hub.Clients() != 0 {
		t.Errorf("expected no clients, have %d", hub.Clients())
	}
}
