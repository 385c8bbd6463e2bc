package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agsys/sensor-monitor/internal/logger"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	maxMessageSize = 512                 // Maximum message size allowed from peer
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the frame sent to WebSocket clients
type envelope struct {
	Type    string  `json:"type"`
	Payload Message `json:"payload"`
}

// client is a middleman between a websocket connection and the hub
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active WebSocket clients and broadcasts relayed
// messages to them
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	history    func() []Message
	done       chan struct{}
	closeOnce  sync.Once
	log        logger.Logger
}

// NewHub creates a Hub. history, if set, supplies messages sent to each new
// client before live traffic.
func NewHub(history func() []Message, log logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		history:    history,
		done:       make(chan struct{}),
		log:        log.WithComponent("hub"),
	}
}

func encode(msg Message) ([]byte, error) {
	return json.Marshal(envelope{Type: "mqtt_message", Payload: msg})
}

// Run serves register, unregister and broadcast requests until ctx is done
// or the hub is closed
func (h *Hub) Run(ctx context.Context) {
	defer h.Close()
	defer func() {
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client registered")
			if h.history != nil {
				for _, msg := range h.history() {
					data, err := encode(msg)
					if err != nil {
						continue
					}
					select {
					case c.send <- data:
					default:
					}
				}
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered")
			}
		case data := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client send buffer full, removing")
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Publish queues msg for every connected client
func (h *Hub) Publish(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case <-h.done:
		return fmt.Errorf("hub closed")
	default:
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return fmt.Errorf("hub broadcast queue full")
	}
}

// Close stops Run
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and attaches it to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so control frames are processed
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the connection
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Warn().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
