package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/report"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// How often connected clients get a fresh summary when it changed
	statusInterval = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware handles origins
		return true
	},
}

// WebSocketMessage is the envelope pushed to clients.
type WebSocketMessage struct {
	Type    string      `json:"type"` // "snapshot", "summary", "notification"
	Payload interface{} `json:"payload"`
}

// Summary is the small periodic status push.
type Summary struct {
	Online     bool                    `json:"online"`
	CacheBytes int64                   `json:"cache_bytes"`
	CacheItems int                     `json:"cache_items"`
	Lanes      map[string]int          `json:"lanes"`
	Scheduler  *report.SchedulerStatus `json:"scheduler,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and broadcasts to them. It is a notify.Sink,
// so engine notifications reach every dashboard.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	facade *report.Facade
	last   []byte

	mu sync.RWMutex
}

// NewHub creates a hub. facade may be nil, in which case clients only
// receive notifications.
func NewHub(facade *report.Facade) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		facade:     facade,
	}
}

// Run serves register, unregister and broadcast requests until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			logger.Info("WebSocket client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnections.Dec()
			}
			n := len(h.clients)
			h.mu.Unlock()
			logger.Info("WebSocket client disconnected", "total_clients", n)

		case message := <-h.broadcast:
			h.fanout(message)

		case <-ticker.C:
			h.pushSummary()
		}
	}
}

func (h *Hub) fanout(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
			metrics.WebSocketMessagesSent.Inc()
		default:
			// Client's send buffer is full, close the connection
			close(client.send)
			delete(h.clients, client)
			metrics.WebSocketConnections.Dec()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// pushSummary broadcasts the summary when clients are connected and it changed.
func (h *Hub) pushSummary() {
	if h.facade == nil || h.Clients() == 0 {
		return
	}
	data, err := encodeMessage("summary", h.summary())
	if err != nil {
		logger.Error("Failed to marshal WebSocket summary", "error", err)
		return
	}
	if bytes.Equal(data, h.last) {
		return
	}
	h.last = data
	h.fanout(data)
}

func (h *Hub) summary() Summary {
	used, items := h.facade.CacheUsage()
	s := Summary{
		Online:     true,
		CacheBytes: used,
		CacheItems: items,
		Lanes:      h.facade.LaneCounts(),
		Scheduler:  h.facade.SchedulerStatus(),
	}
	if h.facade.Online != nil {
		s.Online = h.facade.Online()
	}
	return s
}

// Notify implements notify.Sink. It never blocks: when the broadcast buffer
// is full the notification is dropped for websocket clients.
func (h *Hub) Notify(_ context.Context, n notify.Notification) {
	data, err := encodeMessage("notification", n)
	if err != nil {
		logger.Error("Failed to marshal WebSocket notification", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("WebSocket broadcast buffer full, dropping notification", "source", n.Source)
	}
}

func encodeMessage(kind string, payload interface{}) ([]byte, error) {
	return json.Marshal(WebSocketMessage{Type: kind, Payload: payload})
}

// readPump drains the connection so pongs and close frames are processed.
// Dashboards do not send anything the hub acts on.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades the connection, sends the current snapshot and
// registers the client for pushes.
// GET /ws
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logger.WarnContext(r.Context(), "Failed to upgrade to WebSocket", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	if h.facade != nil {
		if data, err := encodeMessage("snapshot", h.facade.Snapshot()); err == nil {
			client.send <- data
		}
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
