// Package web streams session events to browsers over websockets.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"posecapture/internal/events"
)

const writeWait = 5 * time.Second

type client struct {
	conn    *websocket.Conn
	session string // empty receives every session
	send    chan []byte
}

type message struct {
	session string
	data    []byte
}

// WebSocketHub fans events out to connected websocket clients. Clients may
// subscribe to one session with ?session=<id>.
type WebSocketHub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	count      chan chan int
	done       chan struct{}
}

// NewHub returns a hub; call Run to start it.
func NewHub(logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Notify implements events.Observer. Events are dropped when the hub is
// saturated.
func (h *WebSocketHub) Notify(e events.Event) {
	data, err := e.Marshal()
	if err != nil {
		h.log.Warn("event encode failed", "type", e.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- message{session: e.Session, data: data}:
	default:
		h.log.Warn("websocket broadcast full", "type", e.Type, "session", e.Session)
	}
}

// Run serves registrations and broadcasts until ctx ends.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.log.Info("websocket client connected", "session", c.session, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Info("websocket client disconnected", "clients", len(h.clients))
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if c.session != "" && c.session != m.session {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, session: r.URL.Query().Get("session"), send: make(chan []byte, 32)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)

	// Reads only detect the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *WebSocketHub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
