package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// EventsPath is the notification stream endpoint.
const EventsPath = "/events"

// WSClient receives change notifications from the console API.
type WSClient struct {
	url    string
	editor string
	logger *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	messages chan models.Notification
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a WebSocket client for the API at baseURL.
func NewWSClient(baseURL, editor string, logger *events.Logger) *WSClient {
	wsURL := strings.TrimSuffix(baseURL, "/")
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	if !strings.HasSuffix(wsURL, EventsPath) {
		wsURL += EventsPath
	}

	return &WSClient{
		url:          wsURL,
		editor:       editor,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan models.Notification, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect dials the stream and subscribes to collections. An empty list
// receives every collection.
func (c *WSClient) Connect(ctx context.Context, collections ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logger.WithField("url", c.url).Info("Connecting to WebSocket")

	headers := http.Header{}
	headers.Set(EditorHeader, c.editor)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w: %w", models.ErrStoreUnavailable, err)
	}

	msg, err := models.NewWSMessage(models.WSTypeSubscribe, models.SubscribeMessage{Collections: collections})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe: %w", err)
	}

	c.conn = conn
	c.closed = false

	go c.readLoop()
	go c.pingLoop()

	c.logger.WithField("collections", collections).Info("WebSocket connected")
	return nil
}

// Messages returns the notification channel. It is closed when the
// connection ends.
func (c *WSClient) Messages() <-chan models.Notification {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

func (c *WSClient) readLoop() {
	defer func() {
		c.Close()
		close(c.messages)
		close(c.errors)
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("WebSocket read error")
				c.report(err)
			}
			return
		}

		msg, err := models.ParseWSMessage(raw)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed message")
			continue
		}

		data, err := models.ParseMessageData(msg)
		if err != nil {
			c.logger.WithError(err).WithField("type", msg.Type).Warn("Dropping message")
			continue
		}

		switch payload := data.(type) {
		case *models.Notification:
			c.logger.WithFields(map[string]any{
				"type":     payload.Type,
				"resource": payload.Resource.String(),
				"editor":   payload.Editor,
			}).Debug("Received notification")

			select {
			case c.messages <- *payload:
			case <-c.done:
				return
			}
		case *models.ErrorMessage:
			c.report(fmt.Errorf("server error %s: %s", payload.Code, payload.Message))
		}
	}
}

func (c *WSClient) report(err error) {
	select {
	case c.errors <- err:
	default:
		c.logger.WithError(err).Warn("Error channel full")
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			if conn == nil {
				c.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout))
			c.mu.Unlock()

			if err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
