package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedMessage is what stream subscribers receive.
type FeedMessage struct {
	Type  string            `json:"type"` // snapshot | change
	Items []models.FeedItem `json:"items"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans feed changes out to websocket subscribers. Slow subscribers drop
// messages rather than block publishers.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	snapshot func(ctx context.Context) ([]models.FeedItem, error)
}

// NewHub creates a hub. snapshot, when set, is sent to each new subscriber.
func NewHub(snapshot func(ctx context.Context) ([]models.FeedItem, error)) *Hub {
	return &Hub{clients: make(map[*client]struct{}), snapshot: snapshot}
}

// PublishFeed broadcasts one change.
func (h *Hub) PublishFeed(item models.FeedItem) {
	data, err := json.Marshal(FeedMessage{Type: "change", Items: []models.FeedItem{item}})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("item", item.ID).Msg("Feed subscriber buffer full, dropping change")
		}
	}
}

// Subscribers reports how many streams are connected.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams the feed until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Feed stream upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	if h.snapshot != nil {
		items, err := h.snapshot(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("Feed snapshot failed")
		} else if data, err := json.Marshal(FeedMessage{Type: "snapshot", Items: items}); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("Feed subscriber connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("Feed subscriber closed unexpectedly")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
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
