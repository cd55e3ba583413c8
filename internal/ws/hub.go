// Package ws pushes dashboard views to browser clients over WebSocket.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadmax/queuewatch/internal/dashboard"
	"github.com/nadmax/queuewatch/internal/logger"
	"github.com/nadmax/queuewatch/internal/throttle"
)

const (
	EventView     = "view"
	EventThrottle = "throttle"
	EventLogout   = "logout"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	// must be less than pongWait
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub is the dashboard Renderer for browser clients. It keeps the latest view
// so a client connecting mid-session gets it immediately.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	latest   *dashboard.View
	throttle throttle.State
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) Render(v dashboard.View) {
	h.mu.Lock()
	h.latest = &v
	h.throttle = v.Throttle
	h.mu.Unlock()

	h.broadcast(Message{Event: EventView, Data: v})
}

func (h *Hub) RenderThrottle(s throttle.State) {
	h.mu.Lock()
	h.throttle = s
	if h.latest != nil {
		h.latest.Throttle = s
	}
	h.mu.Unlock()

	h.broadcast(Message{Event: EventThrottle, Data: s})
}

// Latest returns the last rendered view. ok is false before the first render
// and after Reset.
func (h *Hub) Latest() (v dashboard.View, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.latest == nil {
		return dashboard.View{}, false
	}
	return *h.latest, true
}

func (h *Hub) Throttle() throttle.State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.throttle
}

// Reset forgets the current view and tells clients the session ended.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.latest = nil
	h.throttle = throttle.State{}
	h.mu.Unlock()

	h.broadcast(Message{Event: EventLogout})
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// register adds c and queues the latest view for it, so a render racing the
// connect is never missed.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	if h.latest == nil {
		return
	}
	data, err := json.Marshal(Message{Event: EventView, Data: *h.latest})
	if err != nil {
		logger.Global().Error().Err(err).Msg("failed to encode websocket message")
		return
	}
	c.send <- data
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Global().Error().Err(err).Str("event", msg.Event).Msg("failed to encode websocket message")
		return
	}

	// send under the read lock: unregister closes c.send under the write lock
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Global().Debug().Str("event", msg.Event).Msg("dropping slow websocket client")
		h.unregister(c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
