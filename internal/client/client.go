// Package client wires configuration to a store backend and hands out
// editor sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/lambda/adapters"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/server"
	"github.com/guardian/support-admin-console-sub001/internal/session"
	"github.com/guardian/support-admin-console-sub001/internal/state"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

const setupTimeout = 30 * time.Second

// ErrRemoteBackend is returned when a local-only feature is asked of a
// client talking to a remote console API.
var ErrRemoteBackend = errors.New("not available with the http backend")

// Client provides the high-level API for console operations.
type Client struct {
	config *config.Config
	logger *events.Logger

	store   store.Store
	backend state.Backend               // nil for http
	remote  *transport.DefaultTransport // nil unless http
	hub     *server.Hub                 // nil for http

	mu       sync.Mutex
	watchers []chan models.Notification
	closed   bool
}

// New creates a client for the configured backend.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	c := &Client{
		config: cfg,
		logger: logger.WithField("backend", cfg.Store.Backend),
	}

	switch cfg.Store.Backend {
	case config.BackendHTTP:
		c.remote = transport.NewTransport(&cfg.API, logger)
		c.store = c.remote
		c.logger.WithField("base_url", cfg.API.BaseURL).Debug("Using remote console API")
		return c, nil

	case config.BackendMemory, "":
		c.backend = state.NewMemoryStore()

	case config.BackendSQL:
		sqlStore, err := state.OpenSQLStore(ctx, cfg.Store.SQL.Driver, cfg.Store.SQL.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		c.backend = sqlStore

	case config.BackendAWS:
		awsBackend, err := adapters.NewAWSBackend(ctx, cfg.Store.AWS, logger)
		if err != nil {
			return nil, fmt.Errorf("create aws backend: %w", err)
		}
		c.backend = awsBackend

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	c.hub = server.NewHub(logger)
	c.store = store.NewEngine(c.backend, c.backend, logger, store.WithNotifier(store.NotifierFunc(c.publish)))
	c.logger.Debug("Using local store")
	return c, nil
}

// Store returns the store sessions talk to.
func (c *Client) Store() store.Store {
	return c.store
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.config
}

// Tests opens an editor session on a collection of tests as the configured
// editor. The session is not loaded yet.
func (c *Client) Tests(collection string, policy session.LockingPolicy, opts ...session.Option) *session.EditorSession[models.Test] {
	defaults := []session.Option{
		session.WithLogger(c.logger),
		session.WithReminderDelay(c.config.Session.LockReminder),
	}
	return session.New[models.Test](c.store, c.config.Editor.Email, collection, policy, append(defaults, opts...)...)
}

// Server returns an HTTP API serving the local store. Notifications reach
// both WebSocket subscribers and local watchers.
func (c *Client) Server() (*server.Server, error) {
	if c.hub == nil {
		return nil, ErrRemoteBackend
	}
	return server.New(c.store, c.hub, c.logger), nil
}

// Subscribers returns how many WebSocket editors are connected to the
// server of a local client.
func (c *Client) Subscribers() int {
	if c.hub == nil {
		return 0
	}
	return c.hub.Subscribers()
}

// Watch streams change notifications for the given collections, or every
// collection when none is given. The channel closes when ctx is done.
func (c *Client) Watch(ctx context.Context, collections ...string) (<-chan models.Notification, error) {
	if c.remote != nil {
		return c.remote.Watch(ctx, c.config.Editor.Email, collections...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, models.ErrStoreUnavailable
	}

	src := make(chan models.Notification, 100)
	c.watchers = append(c.watchers, src)

	out := make(chan models.Notification, 100)
	go func() {
		defer close(out)
		defer c.unwatch(src)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-src:
				if !ok {
					return
				}
				if !wanted(n, collections) {
					continue
				}
				select {
				case out <- n:
				default:
					c.logger.WithField("resource", n.Resource.String()).Warn("Dropping notification, watcher is slow")
				}
			}
		}
	}()
	return out, nil
}

func wanted(n models.Notification, collections []string) bool {
	if len(collections) == 0 {
		return true
	}
	for _, name := range collections {
		if n.Resource.Collection == name {
			return true
		}
	}
	return false
}

func (c *Client) publish(ctx context.Context, n models.Notification) {
	c.hub.Notify(ctx, n)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}

func (c *Client) unwatch(ch chan models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.watchers {
		if w == ch {
			c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close releases the backend and ends every stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}

	var errs []error
	if c.hub != nil {
		c.hub.Close()
	}
	if c.remote != nil {
		errs = append(errs, c.remote.Close())
	}
	if c.backend != nil {
		errs = append(errs, c.backend.Close())
	}
	return errors.Join(errs...)
}
