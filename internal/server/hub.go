package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Hub fans notifications out to WebSocket subscribers. It implements
// store.Notifier.
type Hub struct {
	logger   *events.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	conn   *websocket.Conn
	editor string
	send   chan []byte

	// collections is guarded by Hub.mu. Empty means every collection.
	collections map[string]bool
}

// NewHub creates an empty hub.
func NewHub(logger *events.Logger) *Hub {
	return &Hub{
		logger: logger.WithField("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected editors.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify implements store.Notifier. Slow subscribers are disconnected
// rather than allowed to block writers.
func (h *Hub) Notify(_ context.Context, n models.Notification) {
	msg, err := models.NewWSMessage(models.WSTypeNotification, n)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode notification")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode notification")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if len(c.collections) > 0 && !c.collections[n.Resource.Collection] {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.WithField("editor", c.editor).Warn("Subscriber too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// ServeWS upgrades the request and streams notifications until the
// connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &subscriber{
		conn:        conn,
		editor:      r.Header.Get(transport.EditorHeader),
		send:        make(chan []byte, sendBuffer),
		collections: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("editor", c.editor).Debug("Subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop handles subscribe requests until the client goes away.
func (h *Hub) readLoop(c *subscriber) {
	defer h.remove(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := models.ParseWSMessage(raw)
		if err == nil && msg.Type != models.WSTypeSubscribe {
			err = errUnexpected(msg.Type)
		}
		var data any
		if err == nil {
			data, err = models.ParseMessageData(msg)
		}
		if err != nil {
			h.reply(c, models.WSTypeError, models.ErrorMessage{Code: models.ErrCodeInvalidRequest, Message: err.Error()})
			continue
		}

		sub := data.(*models.SubscribeMessage)
		h.mu.Lock()
		c.collections = make(map[string]bool, len(sub.Collections))
		for _, name := range sub.Collections {
			c.collections[name] = true
		}
		h.mu.Unlock()

		h.reply(c, models.WSTypeSubscribed, nil)
	}
}

func (h *Hub) reply(c *subscriber, typ models.WSMessageType, payload any) {
	msg, err := models.NewWSMessage(typ, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(c *subscriber) {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *subscriber) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

type errUnexpected models.WSMessageType

func (e errUnexpected) Error() string {
	return "unexpected message type: " + string(e)
}
