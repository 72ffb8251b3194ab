package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"quantcore/internal/live"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient represents a single WebSocket connection managed by a Hub.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	symbols map[string]bool
	send    chan []byte
	ready   chan struct{}
}

func (c *wsClient) wants(symbol string) bool {
	return len(c.symbols) == 0 || c.symbols[symbol]
}

// Hub fans model events out to websocket clients. A new client first
// receives every event already broadcast, then live events; slow clients
// are disconnected.
type Hub struct {
	model      *live.Model
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	lastSeq    int64
	count      atomic.Int32
	log        *slog.Logger
}

// NewHub creates a Hub fed by model.
func NewHub(model *live.Model, log *slog.Logger) *Hub {
	return &Hub{
		model:      model,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log.With("component", "ws-hub"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Run is the hub's event loop. It returns when ctx is cancelled and closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	id, snapshot, events := h.model.SubscribeWithSnapshot(4096)
	defer h.model.Unsubscribe(id)
	if n := len(snapshot); n > 0 {
		h.lastSeq = snapshot[n-1].Seq
	}
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			h.lastSeq = evt.Seq
			h.broadcast(evt)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	var backlog [][]byte
	for _, evt := range h.model.Snapshot() {
		if evt.Seq > h.lastSeq {
			break
		}
		if c.wants(evt.Symbol()) {
			if msg, err := encodeEvent(evt); err == nil {
				backlog = append(backlog, msg)
			}
		}
	}
	c.send = make(chan []byte, len(backlog)+sendBuffer)
	for _, msg := range backlog {
		c.send <- msg
	}
	h.clients[c] = true
	h.count.Add(1)
	close(c.ready)
	h.log.Info("client connected", "backlog", len(backlog), "clients", len(h.clients))
}

func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.count.Add(-1)
	}
}

func (h *Hub) broadcast(evt live.Event) {
	msg, err := encodeEvent(evt)
	if err != nil {
		h.log.Error("encoding event", "seq", evt.Seq, "error", err)
		return
	}
	for c := range h.clients {
		if !c.wants(evt.Symbol()) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow client")
			h.drop(c)
		}
	}
}

func encodeEvent(evt live.Event) ([]byte, error) {
	return json.Marshal(toWireEvent(evt))
}

// ServeWS upgrades an HTTP connection to a WebSocket and registers the
// client with the Hub. The optional symbols query parameter is a comma
// separated filter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "error", err)
		return
	}
	c := &wsClient{
		hub:     h,
		conn:    conn,
		symbols: parseSymbols(r.URL.Query().Get("symbols")),
		ready:   make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	<-c.ready
	go c.writePump()
	c.readPump()
}

func parseSymbols(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

// readPump discards inbound messages and unregisters the client once the
// connection fails.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
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

func (c *wsClient) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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
