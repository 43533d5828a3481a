// Package websocket fans live tracking updates out to local browser/client
// connections. Exactly one goroutine owns the client set; delivery preserves
// the order messages were handed to Broadcast.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skyfleet/tracker/internal/observability"
	"github.com/skyfleet/tracker/pkg/logger"
)

// Message types pushed to local clients.
const (
	MessageTypeAircraftSnapshot = "aircraft_snapshot"
	MessageTypeAircraftUpdate   = "aircraft_update"
	MessageTypeStatus           = "status"
)

// Message is one WebSocket frame payload.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents one connected local sink.
type Client struct {
	conn   *websocket.Conn
	send   chan *Message
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// Hub maintains the set of local clients and broadcasts messages to them.
// New clients immediately receive the most recent aircraft snapshot so they
// are not blank until the next poll tick.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex

	snapshotMu   sync.RWMutex
	lastSnapshot *Message

	// OnEmpty is invoked when the last client disconnects, OnFirst when the
	// client count goes from zero to one. Used to tear down / bring up the
	// upstream subscription so nothing is tracked without consumers.
	OnEmpty func()
	OnFirst func()
}

// NewHub creates a hub. Run must be started on its own goroutine.
func NewHub(loggerObj *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: loggerObj.Named("ws-hub"),
	}
}

// Run owns the client set and the fan-out loop.
func (h *Hub) Run() {
	h.logger.Info("Starting WebSocket hub")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			wasEmpty := len(h.clients) == 0
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			observability.WebsocketClients.Set(float64(count))
			h.logger.Debug("Client registered", logger.Int("client_count", count))

			// Push the current snapshot so the new client isn't blank.
			h.snapshotMu.RLock()
			snapshot := h.lastSnapshot
			h.snapshotMu.RUnlock()
			if snapshot != nil {
				client.trySend(snapshot)
			}

			if wasEmpty && h.OnFirst != nil {
				h.OnFirst()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.markClosed()
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			observability.WebsocketClients.Set(float64(count))
			h.logger.Debug("Client unregistered", logger.Int("client_count", count))

			if count == 0 && h.OnEmpty != nil {
				h.OnEmpty()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			var stale []*Client
			for client := range h.clients {
				if !client.trySend(message) {
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()

			// Clients with a full send buffer are dropped rather than
			// allowed to stall everyone else.
			if len(stale) > 0 {
				h.mu.Lock()
				for _, client := range stale {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						client.markClosed()
						close(client.send)
					}
				}
				observability.WebsocketClients.Set(float64(len(h.clients)))
				h.mu.Unlock()
			}
		}
	}
}

// HandleConnection upgrades an HTTP request and registers the client.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	h.logger.Debug("Upgraded connection", logger.String("remote_addr", r.RemoteAddr))

	client := &Client{
		conn: conn,
		send: make(chan *Message, 256),
		hub:  h,
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for delivery to every connected client.
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, dropping message",
			logger.String("message_type", message.Type))
	}
}

// BroadcastSnapshot broadcasts an aircraft snapshot and remembers it for
// clients that connect later.
func (h *Hub) BroadcastSnapshot(aircraft any) {
	message := &Message{
		Type: MessageTypeAircraftSnapshot,
		Data: aircraft,
	}

	h.snapshotMu.Lock()
	h.lastSnapshot = message
	h.snapshotMu.Unlock()

	h.Broadcast(message)
}

// BroadcastStatus pushes a human-readable status line to every client.
func (h *Hub) BroadcastStatus(status string) {
	h.Broadcast(&Message{Type: MessageTypeStatus, Data: status})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// trySend queues a message without blocking; false means the buffer is full
// or the client is closed.
func (c *Client) trySend(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// readPump drains the connection so close frames are noticed; clients are
// sinks and any payload they send is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}
	}
}

// writePump pumps queued messages onto the wire in order. The hub closing the
// send channel ends the pump with a close frame.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		data, err := json.Marshal(message)
		if err != nil {
			c.hub.logger.Error("Failed to marshal message", logger.Error(err))
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
