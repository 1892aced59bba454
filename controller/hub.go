package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxWSConnections = 100

// EventHub fans published domain events out to websocket observers
// (dashboards, field operator consoles). It implements
// events.Publisher so it can sit alongside the broker in a Multi sink.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewEventHub(log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP upgrades a connection and holds it until the client goes
// away. Clients are read-drained; the hub only writes.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		conn.Close()
		h.log.Warn("websocket connection rejected: hub full")
		return
	}
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.Int("total", total))

	go h.drain(conn)
}

func (h *EventHub) drain(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Publish broadcasts one event to every connected client. Slow or dead
// clients are dropped rather than blocking the caller.
func (h *EventHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(map[string]interface{}{
		"topic":     topic,
		"payload":   payload,
		"timestamp": time.Now(),
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	return nil
}
