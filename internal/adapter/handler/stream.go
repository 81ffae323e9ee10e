package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	clientBuffer = 64
)

// StreamMessage is the envelope pushed to websocket clients.
type StreamMessage struct {
	Type string `json:"type"` // tier_change, alert, cycle, hello
	Data any    `json:"data,omitempty"`
	TS   string `json:"ts"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts engine events to connected websocket clients. Clients that
// cannot keep up are disconnected rather than slowing the publisher.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

var _ port.EventPublisher = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.With("component", "stream"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(kind string, data any) {
	msg, err := json.Marshal(StreamMessage{Type: kind, Data: data, TS: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		h.log.Warn("could not encode stream message", "type", kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// slow consumer
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) PublishTierChange(_ context.Context, change domain.TierChange) {
	h.broadcast("tier_change", change)
}

func (h *Hub) PublishAlert(_ context.Context, alert domain.Alert) {
	h.broadcast("alert", alert)
}

func (h *Hub) PublishCycle(_ context.Context, summary domain.CycleSummary) {
	h.broadcast("cycle", summary)
}

// register adds a client whose queue already holds the hello message.
func (h *Hub) register(conn *websocket.Conn) *streamClient {
	c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if hello, err := json.Marshal(StreamMessage{Type: "hello", TS: time.Now().UTC().Format(time.RFC3339)}); err == nil {
		c.send <- hello
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// StreamHandler
// @Summary Live event stream.
// @Description Upgrades to a websocket that receives tier changes, anomaly alerts and cycle summaries.
// @Tags Stream
// @Success 101 {string} string "Switching Protocols"
// @Router /api/stream [get]
func (h *Hub) StreamHandler(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := h.register(conn)
	go h.writePump(client)
	h.readPump(client)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
