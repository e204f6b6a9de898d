package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	hubWriteTimeout = 10 * time.Second
	hubPingInterval = 30 * time.Second
	hubBufferSize   = 16
)

// hubClient is one connected observer.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// eventHub fans harness events out to connected WebSocket observers.
type eventHub struct {
	clients    map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	done       chan struct{}
	once       sync.Once
	log        logrus.FieldLogger
}

func newEventHub(log logrus.FieldLogger) *eventHub {
	return &eventHub{
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan []byte, hubBufferSize),
		done:       make(chan struct{}),
		log:        log.WithField("component", "event-hub"),
	}
}

// run is the hub's single owner of the client set.
func (h *eventHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.WithField("client_id", client.id).Debug("Observer connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.WithField("client_id", client.id).Debug("Observer disconnected")
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow observer; drop it rather than block the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Broadcast publishes an event to all observers. Marshal failures are logged
// and dropped; observers are best-effort.
func (h *eventHub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal event")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("Event hub buffer full, dropping event")
	}
}

func (h *eventHub) stop() {
	h.once.Do(func() { close(h.done) })
}

// serve upgrades an observer connection and pumps messages until it drops.
func (h *eventHub) serve(conn *websocket.Conn) {
	client := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, hubBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump(h)
	client.readPump(h)
}

func (c *hubClient) writePump(h *eventHub) {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubClient) readPump(h *eventHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		// Observers only listen; reads exist to notice disconnects and to
		// answer client pings via the default pong handler.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
