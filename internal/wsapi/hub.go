// Package wsapi implements the /ws/status and /ws/stream push endpoints of
// §6, completing the teacher's own internal/websocket.Hub shape (its
// writePump/readPump were never defined in the source repo) with a full
// Client type and a per-connection push ticker rather than the teacher's
// broadcast-on-event model, since §6 specifies timer-driven pushes of the
// latest snapshot instead of one message per mutation.
package wsapi

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	defaultPushMs  = 200
	rawPushMs      = 200 // "raw" means ~5Hz per §6
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// snapshotFunc produces the current payload for one client (nil if there
// is nothing to send yet).
type snapshotFunc func(strategy string) interface{}

// Client is one open /ws/status or /ws/stream connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	strategy string
	interval time.Duration
	snapshot snapshotFunc
	framer   *Framer
}

// Hub tracks connected clients per endpoint and owns their lifecycle.
// Clients don't share a broadcast channel — each pulls its own snapshot on
// its own ticker — so Hub's register/unregister channels exist only to
// keep the client set consistent under concurrent connect/disconnect,
// mirroring the teacher's Hub control-plane shape.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	framer     *Framer
}

// NewHub builds a Hub using framer for payload encoding.
func NewHub(framer *Framer) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		framer:     framer,
	}
}

// Run starts the hub's control-plane loop. It never returns; it is
// intended to run in its own goroutine for the process lifetime.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		}
	}
}

// ServeWS upgrades the request and starts one client's read/write pumps.
// query param "strategy" filters the pushed snapshot; "interval_ms" (or
// the literal "raw") selects the push period.
func (h *Hub) ServeWS(snapshot snapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("wsapi: upgrade failed: %v", err)
			return
		}
		client := &Client{
			hub:      h,
			conn:     conn,
			send:     make(chan []byte, 32),
			strategy: r.URL.Query().Get("strategy"),
			interval: pushInterval(r.URL.Query().Get("interval_ms")),
			snapshot: snapshot,
			framer:   h.framer,
		}
		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func pushInterval(raw string) time.Duration {
	if raw == "" || raw == "raw" {
		return rawPushMs * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return defaultPushMs * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// readPump only drains control frames (pings/close); clients never send
// application messages on these endpoints.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns the connection's push ticker, encoding and sending the
// latest snapshot at the client's requested interval, plus keepalive
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.interval)
	pinger := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pinger.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.framer.MessageType(), msg); err != nil {
				return
			}

		case <-ticker.C:
			payload := c.snapshot(c.strategy)
			if payload == nil {
				continue
			}
			encoded, err := c.framer.Encode(payload)
			if err != nil {
				log.Printf("wsapi: encode failed: %v", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.framer.MessageType(), encoded); err != nil {
				return
			}

		case <-pinger.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
