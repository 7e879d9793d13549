// Package feed publishes controller state and events to websocket clients,
// e.g. a phone at the shooting line watching what the speaker is doing.
// The feed is read-only; nothing received from clients is acted on.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"archer-volume.klederson.com/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 10

	defaultSendBuf      = 32
	defaultBroadcastBuf = 128
)

// envelope is the wire format of every message.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func encode(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// Hub tracks websocket clients and fans broadcasts out to them. A client
// that cannot keep up is dropped.
type Hub struct {
	log *logger.Logger

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
	sendBuf int
}

// NewHub creates a hub; start it with Run.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log,
		broadcast:  make(chan []byte, defaultBroadcastBuf),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		sendBuf:    defaultSendBuf,
	}
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("feed client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "closed")

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues an event for every client. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Broadcast(typ string, data any) {
	msg, err := encode(typ, data)
	if err != nil {
		h.log.Warnw("feed encode failed", "type", typ, "err", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warnw("feed queue full, dropping event", "type", typ)
	}
}

// add hands c to the hub. It reports false once the hub has stopped.
func (h *Hub) add(c *client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.send)
	h.log.Infow("feed client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

func newClient(h *Hub, conn *websocket.Conn, remoteAddr string) *client {
	return &client{hub: h, conn: conn, send: make(chan []byte, h.sendBuf), remoteAddr: remoteAddr}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It exits when the hub closes send or a write fails.
func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump discards inbound messages; it only exists to process control
// frames and notice when the peer goes away.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			c.leave()
			return
		}
	}
}

// leave asks the hub to drop c. After the hub has stopped there is nobody
// to ask, and closeAll has already dropped it.
func (c *client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *client) logExit(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.hub.log.Debugw("feed client closed", "remote_addr", c.remoteAddr, "code", ce.Code, "op", op)
		return
	}
	c.hub.log.Debugw("feed client error", "remote_addr", c.remoteAddr, "op", op, "err", err)
}
