package pubsub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by the API server)
		return true
	},
}

// Message is the envelope every push carries.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotFunc produces the payload a new subscriber receives on connect.
type SnapshotFunc func() interface{}

// Hub maintains active WebSocket connections and fans accepted state
// transitions out to them. Delivery is best-effort: a subscriber whose
// send buffer stays full is dropped rather than allowed to stall the
// broadcast loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	snapshot SnapshotFunc
	logger   *zap.Logger

	mu sync.RWMutex
}

func NewHub(snapshot SnapshotFunc, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshot:   snapshot,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Subscriber connected",
				zap.String("client_id", client.id), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Subscriber disconnected",
					zap.String("client_id", client.id), zap.Int("total", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer full, disconnect
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Dropped slow subscriber", zap.String("client_id", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one typed message to every connected subscriber.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message",
			zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast queue full, dropping message", zap.String("type", msgType))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents one WebSocket subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger *zap.Logger
}

// readPump drains inbound frames so control messages are processed and
// disconnects are noticed. Subscribers do not send commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Subscriber read error", zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
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

// HandleWebSocket upgrades the connection, sends the initial state
// snapshot, and starts the client's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     uuid.New().String(),
		logger: h.logger,
	}

	// Initial snapshot goes straight into the buffer so it is the first
	// frame the subscriber sees, ahead of any broadcast.
	if h.snapshot != nil {
		if data, err := json.Marshal(Message{Type: "initialData", Payload: h.snapshot()}); err == nil {
			client.send <- data
		} else {
			h.logger.Error("Failed to marshal initial snapshot", zap.Error(err))
		}
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
