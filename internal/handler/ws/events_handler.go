// Package ws exposes the coordinator's event feed over WebSocket so UI
// layers can render ringing, call status and media stream changes live.
package ws

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	callsvc "peercall-backend/internal/service/call"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// EventsHub fans coordinator events out to connected UI clients. It is the
// coordinator's event sink; clients only listen, all commands go over HTTP.
type EventsHub struct {
	mu      sync.RWMutex
	clients map[*EventsClient]bool

	register   chan *EventsClient
	unregister chan *EventsClient
	broadcast  chan []byte
}

// EventsClient represents one connected WebSocket listener
type EventsClient struct {
	hub    *EventsHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// NewEventsHub creates a hub and starts its dispatch loop
func NewEventsHub() *EventsHub {
	hub := &EventsHub{
		clients:    make(map[*EventsClient]bool),
		register:   make(chan *EventsClient),
		unregister: make(chan *EventsClient),
		broadcast:  make(chan []byte, 256),
	}

	go hub.run()

	return hub
}

func (h *EventsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebSocketClientsActive.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketClientsActive.Dec()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop it rather than stall the feed
					delete(h.clients, client)
					close(client.send)
					metrics.WebSocketClientsActive.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements the coordinator's event sink. It never blocks; if the
// dispatch buffer is full the event is dropped.
func (h *EventsHub) Publish(event *callsvc.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn("Failed to marshal call event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		logger.Warn("Event feed backlogged, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

// ServeWS upgrades an authenticated request into an event feed connection
// GET /v1/ws/events
func (h *EventsHub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &EventsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so pings and close frames are processed.
// Inbound payloads are ignored; the feed is one-way.
func (c *EventsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("Event feed connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes events and periodic pings to the connection
func (c *EventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
