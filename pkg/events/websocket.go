package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskmarket/escrowcore/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketSink fans out events to every connected client, optionally
// filtered to the escrow IDs a client subscribed to, using a hub/client
// pattern: one Run loop owns the client set and broadcast channel.
type WebSocketSink struct {
	clients    map[*wsClient]bool
	broadcast  chan Event
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex
}

type wsClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
	hub           *WebSocketSink
}

// NewWebSocketSink creates a WebSocketSink. Call Run in a goroutine
// before serving HandleConn.
func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logging.GetDefault().Component("events-ws"),
	}
}

// Run drives the hub's event loop until done is closed.
func (h *WebSocketSink) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WebSocketSink) deliver(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.mu.RLock()
		subscribed := len(client.subscriptions) == 0 || client.subscriptions[event.EscrowID]
		client.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("client send buffer full, dropping event", "type", event.Type)
		}
	}
}

// Publish implements Sink.
func (h *WebSocketSink) Publish(e Event) {
	select {
	case h.broadcast <- e:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", e.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketSink) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribeMessage is the client->server message used to scope a
// connection to specific escrow IDs.
type subscribeMessage struct {
	EscrowIDs []string `json:"escrow_ids"`
}

// HandleConn upgrades an HTTP request to a WebSocket and registers the
// resulting client with the hub.
func (h *WebSocketSink) HandleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		hub:           h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var sub subscribeMessage
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.subscriptions = make(map[string]bool, len(sub.EscrowIDs))
			for _, id := range sub.EscrowIDs {
				c.subscriptions[id] = true
			}
			c.mu.Unlock()
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
