// Package ws implements the WebSocket fanout named in spec §6 "Event
// stream": outbound envelope `{type, channel, timestamp, payload}`, a
// subscribe protocol of `{subscribe:[channels]}`, and an initial stats
// echo on subscribe. Its subscription-map-per-channel, drop-on-full
// shape is grounded on the teacher's internal/sse/hub.go, re-targeted
// from SSE framing to gorilla/websocket.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/integritystudio/scanforge/internal/broadcast"
	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsProvider supplies the stats snapshot echoed to a client on
// subscribe (spec §6 "the server echoes current stats").
type StatsProvider interface {
	GetStats() engine.Stats
}

// client is one connected WebSocket peer and the set of channels it has
// opted into.
type client struct {
	id       uuid.UUID
	conn     *websocket.Conn
	outbound chan broadcast.Message
	channels map[broadcast.Channel]bool
}

// subscribeRequest is the inbound `{subscribe:[channels]}` protocol
// message (spec §6).
type subscribeRequest struct {
	Subscribe []broadcast.Channel `json:"subscribe"`
}

// Hub owns the set of connected clients and fans broadcast.Message values
// out to whichever clients opted into that message's channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*client
	stats   StatsProvider
	log     *logger.Logger
}

func NewHub(stats StatsProvider, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Noop()
	}
	return &Hub{clients: make(map[uuid.UUID]*client), stats: stats, log: log}
}

// Send implements broadcast.Sink, so the hub can be wired directly into
// broadcast.Adapter.AddSink.
func (h *Hub) Send(msg broadcast.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.channels[msg.Channel] {
			continue
		}
		select {
		case c.outbound <- msg:
		default:
			h.log.Warn("ws: dropping message, client outbound buffer full", "clientId", c.id)
		}
	}
}

// ServeHTTP upgrades the connection and runs the read/write pumps until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", "err", err)
		return
	}

	c := &client{
		id:       uuid.New(),
		conn:     conn,
		outbound: make(chan broadcast.Message, 64),
		channels: make(map[broadcast.Channel]bool),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			h.log.Debug("ws: ignoring malformed client message", "clientId", c.id, "err", err)
			continue
		}
		h.mu.Lock()
		for _, ch := range req.Subscribe {
			c.channels[ch] = true
		}
		h.mu.Unlock()

		if h.stats != nil {
			stats := h.stats.GetStats()
			select {
			case c.outbound <- broadcast.Message{
				Type: "stats:snapshot", Channel: broadcast.ChannelStats,
				Timestamp: time.Now(), Payload: stats,
			}:
			default:
			}
		}
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.outbound {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.outbound)
		_ = c.conn.Close()
	}
}

// ClientCount reports the number of currently connected clients, for
// diagnostics; the reference /healthz route does not report it.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
