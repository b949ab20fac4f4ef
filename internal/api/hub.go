package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/logging"
)

// WebSocket timing and sizing constants.
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512
	clientSendQueue = 64
	broadcastQueue  = 256
)

// Hub fans scan events out to every connected /ws/results client.
// Clients are read-only consumers; anything they send is discarded.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*hubClient]bool
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	shutdown   chan struct{}
	closeOnce  sync.Once

	// mu guards clients for ClientCount; the run loop owns all writes.
	mu sync.RWMutex
}

// hubClient is one WebSocket connection with its outbound queue. A
// client that cannot drain its queue is disconnected rather than
// allowed to stall the broadcast loop.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Event is the envelope for every message pushed to clients.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ResultEvent reports one finished probe.
type ResultEvent struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	State      string `json:"state"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// SessionEvent reports a session lifecycle change.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

func newHub(logger *logging.Logger) *Hub {
	hub := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		shutdown:   make(chan struct{}),
	}

	go hub.run()

	return hub
}

// run owns the client set. Registration, removal, and fan-out all pass
// through this loop so connection maps are never mutated concurrently.
func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("WebSocket client connected", "clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("WebSocket client disconnected", "clients", total)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Dropping slow WebSocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Shutdown disconnects all clients and stops the run loop.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleConnection upgrades the request and starts the client pumps.
func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection",
			"error", err,
			"remote_addr", r.RemoteAddr)
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan []byte, clientSendQueue),
	}
	select {
	case h.register <- client:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump(h)
}

// BroadcastResult publishes one probe outcome to all clients.
func (h *Hub) BroadcastResult(sessionID string, res engine.Result) {
	h.publish("result", ResultEvent{
		SessionID:  sessionID,
		Target:     res.Target,
		Protocol:   string(res.Protocol),
		Port:       res.Port,
		State:      string(res.State),
		Diagnostic: res.Diagnostic,
	})
}

// BroadcastSession publishes a session lifecycle change to all clients.
func (h *Hub) BroadcastSession(sessionID, status string, completed, total int) {
	h.publish("session", SessionEvent{
		SessionID: sessionID,
		Status:    status,
		Completed: completed,
		Total:     total,
	})
}

// publish drops events instead of blocking scan workers when the
// broadcast queue is full.
func (h *Hub) publish(eventType string, data interface{}) {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket event", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", "type", eventType)
	}
}

// readPump consumes the connection until it closes, keeping the read
// deadline fresh through pong frames.
func (c *hubClient) readPump(h *Hub) {
	defer func() {
		// The run loop is gone after shutdown, so the handoff must not
		// block on a drained unregister channel.
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// writePump is the single writer for the connection, sending queued
// events and periodic pings.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
