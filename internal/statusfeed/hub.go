// Package statusfeed republishes resolver status to websocket consumers such
// as badges showing "N days left".
package statusfeed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/rs/zerolog/log"
)

// Message types exchanged with clients.
const (
	TypeWelcome       = "welcome"
	TypeInitialStatus = "initialStatus"
	TypeStatus        = "status"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeRequestStatus = "requestStatus"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxReadBytes = 4096
)

// Message is the envelope for every frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client is one websocket consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub tracks connected clients and fans status updates out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	getStatus  func() resolver.Status
	metrics    *metrics.EntitlementMetrics
	upgrader   websocket.Upgrader
	origins    []string
}

// NewHub creates a hub. getStatus supplies the snapshot sent on connect and
// on requestStatus. allowedOrigins extends the same-host and loopback
// origins accepted by default.
func NewHub(getStatus func() resolver.Status, m *metrics.EntitlementMetrics, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		getStatus:  getStatus,
		metrics:    m,
	}
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			h.origins = append(h.origins, strings.ToLower(strings.TrimRight(origin, "/")))
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.metrics.SetStatusSubscribers(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetStatusSubscribers(count)
			log.Info().Str("client", client.id).Msg("Status feed client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetStatusSubscribers(count)
			log.Info().Str("client", client.id).Msg("Status feed client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than block the feed.
					delete(h.clients, client)
					close(client.send)
					log.Warn().Str("client", client.id).Msg("Status feed client too slow, disconnecting")
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetStatusSubscribers(count)
		}
	}
}

// HandleWebSocket upgrades the request and starts the client pumps. The
// client receives a welcome frame and the current status immediately.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade status feed connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}

	client.queue(Message{Type: TypeWelcome, Data: map[string]string{"client_id": client.id}})
	if h.getStatus != nil {
		client.queue(Message{Type: TypeInitialStatus, Data: h.getStatus()})
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastStatus sends status to every connected client. It has the shape
// of a reconcile subscriber.
func (h *Hub) BroadcastStatus(status resolver.Status) {
	data, err := json.Marshal(Message{Type: TypeStatus, Data: status})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal status feed message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("Status feed broadcast channel full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	if isLoopbackHost(parsed.Hostname()) {
		return true
	}
	normalized := strings.ToLower(strings.TrimRight(origin, "/"))
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Client) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("client", c.id).Str("type", msg.Type).Msg("Failed to marshal status feed message")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Str("type", msg.Type).Msg("Client send buffer full, dropping message")
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Status feed read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed status feed message")
			continue
		}

		switch msg.Type {
		case TypePing:
			c.reply(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case TypeRequestStatus:
			if c.hub.getStatus != nil {
				c.reply(Message{Type: TypeStatus, Data: c.hub.getStatus()})
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled status feed message")
		}
	}
}

// reply queues a direct response. The send channel may already be closed by
// the hub, so the write happens under the hub's read lock after a membership
// check.
func (c *Client) reply(msg Message) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	c.queue(msg)
}

func (c *Client) writePump() {
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
				log.Debug().Err(err).Str("client", c.id).Msg("Status feed write failed")
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
