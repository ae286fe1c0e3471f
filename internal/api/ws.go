package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// Per-client send buffer; a client that falls this far behind the
	// feed is disconnected rather than allowed to stall the hub.
	wsSendBuffer = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedEvent is one frame on the decision feed. Type is "decision" for
// appended nodes and "sealed" for chain seals.
type FeedEvent struct {
	Type      string      `json:"type"`
	ProfileID string      `json:"profile_id,omitempty"`
	Data      interface{} `json:"data"`
}

type feedFrame struct {
	profileID string
	payload   []byte
}

// Hub fans decision events out to websocket subscribers. Clients may
// subscribe to a single profile or to everything.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan feedFrame

	mu      sync.RWMutex
	clients map[*wsClient]bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a decision feed hub. The caller runs its loop.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan feedFrame, wsSendBuffer),
		clients:    make(map[*wsClient]bool),
		done:       make(chan struct{}),
	}
}

// Broadcast publishes one event to every matching subscriber. It never
// blocks the caller: when the hub's queue is full the frame is dropped.
func (h *Hub) Broadcast(eventType, profileID string, data interface{}) {
	payload, err := json.Marshal(FeedEvent{Type: eventType, ProfileID: profileID, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal feed event")
		return
	}
	select {
	case h.broadcast <- feedFrame{profileID: profileID, payload: payload}:
	case <-h.done:
	default:
		log.Warn().Str("type", eventType).Msg("Decision feed saturated, dropping event")
	}
}

// ClientCount returns the number of connected feed subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and stops the hub loop
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.drop(client)
		case frame := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*wsClient, 0, len(h.clients))
			for client := range h.clients {
				if client.profileID == "" || client.profileID == frame.profileID {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range targets {
				select {
				case client.send <- frame.payload:
				default:
					// Slow consumer
					h.drop(client)
				}
			}
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

type wsClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	profileID string
}

// handleWebSocket handles GET /ws - the live decision feed. An optional
// profile_id query param narrows the feed to one profile.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		profileID: c.Query("profile_id"),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; the feed is one-way. It exists to
// process pongs and detect the close handshake.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
