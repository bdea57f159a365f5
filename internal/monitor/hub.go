// Package monitor lets an operator follow a running session from another machine.
// It serves a JSON status snapshot and streams trial events over a websocket.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/gorilla/websocket"
)

// DefaultBufferSize is the number of events a hub or a client may queue.
const DefaultBufferSize = 256

var upgrader = websocket.Upgrader{
	// the monitor is read-only and lives on the lab network
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans published events out to websocket clients. Publish never blocks the
// trial loop: events that do not fit in the queue are dropped and counted.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	clients map[*client]bool // owned by Run
	count   atomic.Int64
	dropped atomic.Int64
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, DefaultBufferSize),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.remove(c)
		}
		slog.Debug("Monitor hub stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			slog.Debug("Monitor client registered", "remote", c.conn.RemoteAddr(), "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				slog.Debug("Monitor client unregistered", "remote", c.conn.RemoteAddr(), "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("Monitor client too slow, disconnecting", "remote", c.conn.RemoteAddr())
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Publish queues ev for every connected client.
func (h *Hub) Publish(ev models.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Hub.Publish: failed to marshal event", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		if h.dropped.Add(1) == 1 {
			slog.Warn("Monitor queue full, dropping events")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Dropped returns how many events did not fit in the queue.
func (h *Hub) Dropped() int { return int(h.dropped.Load()) }

// ServeWS upgrades the request to a websocket and streams events to it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeWS: failed to upgrade connection", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, DefaultBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and unregisters the client once the
// connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Monitor client read failed", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("Monitor client write failed", "error", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
