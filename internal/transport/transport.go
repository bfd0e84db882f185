// Package transport talks to the console API: store calls over HTTP and
// change notifications over a WebSocket.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/store"
)

// Transport is a remote store that can also stream notifications.
type Transport interface {
	store.Store

	// Watch streams notifications for the given collections until ctx is
	// done or the connection drops.
	Watch(ctx context.Context, editor string, collections ...string) (<-chan models.Notification, error)

	// Close ends any open stream.
	Close() error
}

// DefaultTransport implements the Transport interface.
type DefaultTransport struct {
	*HTTPStore

	logger *events.Logger

	mu      sync.Mutex
	streams []*WSClient
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.APIConfig, logger *events.Logger) *DefaultTransport {
	return &DefaultTransport{
		HTTPStore: NewHTTPStore(cfg, logger),
		logger:    logger,
	}
}

// Watch implements Transport.
func (t *DefaultTransport) Watch(ctx context.Context, editor string, collections ...string) (<-chan models.Notification, error) {
	ws := NewWSClient(t.baseURL, editor, t.logger)
	if err := ws.Connect(ctx, collections...); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	t.mu.Lock()
	t.streams = append(t.streams, ws)
	t.mu.Unlock()

	go func() {
		for err := range ws.Errors() {
			t.logger.WithError(err).Error("WebSocket error")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-ws.done:
		}
	}()

	return ws.Messages(), nil
}

// Close closes all streams.
func (t *DefaultTransport) Close() error {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()

	var firstErr error
	for _, ws := range streams {
		if err := ws.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
