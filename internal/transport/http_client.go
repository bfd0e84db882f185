package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// EditorHeader carries the editor identity on every request.
const EditorHeader = "X-Editor-Email"

// HTTPStore implements store.Store against the console API. Requests are
// never retried: a failed call is reported and the caller decides.
type HTTPStore struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger
}

// NewHTTPStore creates an API client.
func NewHTTPStore(cfg *config.APIConfig, logger *events.Logger) *HTTPStore {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPStore{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_store"),
	}
}

// BaseURL returns the API root.
func (c *HTTPStore) BaseURL() string {
	return c.baseURL
}

// Fetch implements store.Store.
func (c *HTTPStore) Fetch(ctx context.Context, editor, collection string) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, collectionPath(collection), editor, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Archived implements store.Store.
func (c *HTTPStore) Archived(ctx context.Context, collection string) ([]models.Record, error) {
	var value models.Collection
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "archived"), "", nil, &value); err != nil {
		return nil, err
	}
	return value.Tests, nil
}

// Save implements store.Store.
func (c *HTTPStore) Save(ctx context.Context, editor, collection, version string, value models.Collection) error {
	body := models.VersionedValue[models.Collection]{Version: version, Value: value}
	return c.do(ctx, http.MethodPost, collectionPath(collection, "update"), editor, body, nil)
}

// Reorder implements store.Store.
func (c *HTTPStore) Reorder(ctx context.Context, editor, collection, version string, names []string) error {
	body := models.VersionedValue[[]string]{Version: version, Value: names}
	return c.do(ctx, http.MethodPost, collectionPath(collection, "list", "reorder"), editor, body, nil)
}

// Create implements store.Store.
func (c *HTTPStore) Create(ctx context.Context, editor, collection, version string, item models.Record) error {
	body := models.VersionedValue[models.Record]{Version: version, Value: item}
	return c.do(ctx, http.MethodPost, collectionPath(collection, "create"), editor, body, nil)
}

// UpdateItem implements store.Store.
func (c *HTTPStore) UpdateItem(ctx context.Context, editor, collection, version string, item models.Record) error {
	name, err := item.Name()
	if err != nil {
		return err
	}
	body := models.VersionedValue[models.Record]{Version: version, Value: item}
	return c.do(ctx, http.MethodPost, collectionPath(collection, "update", name), editor, body, nil)
}

// Archive implements store.Store.
func (c *HTTPStore) Archive(ctx context.Context, editor, collection string, names []string) error {
	return c.batch(ctx, "archive", editor, collectionPath(collection, "archive"), names)
}

// Delete implements store.Store.
func (c *HTTPStore) Delete(ctx context.Context, editor, collection string, names []string) error {
	return c.batch(ctx, "delete", editor, collectionPath(collection, "delete"), names)
}

// SetStatus implements store.Store.
func (c *HTTPStore) SetStatus(ctx context.Context, editor, collection string, status models.TestStatus, names []string) error {
	return c.batch(ctx, "status", editor, collectionPath(collection, "status", string(status)), names)
}

// Lock implements store.Store.
func (c *HTTPStore) Lock(ctx context.Context, editor string, key models.ResourceKey) error {
	return c.lockCall(ctx, "lock", editor, key)
}

// ForceTakeover implements store.Store.
func (c *HTTPStore) ForceTakeover(ctx context.Context, editor string, key models.ResourceKey) error {
	return c.lockCall(ctx, "takecontrol", editor, key)
}

// Unlock implements store.Store.
func (c *HTTPStore) Unlock(ctx context.Context, editor string, key models.ResourceKey) error {
	return c.lockCall(ctx, "unlock", editor, key)
}

func (c *HTTPStore) lockCall(ctx context.Context, action, editor string, key models.ResourceKey) error {
	segments := []string{action}
	if !key.IsCollection() {
		segments = append(segments, key.Item)
	}

	err := c.do(ctx, http.MethodPost, collectionPath(key.Collection, segments...), editor, nil, nil)

	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.Code == models.ErrCodeAlreadyLocked && apiErr.Status != nil {
		return &models.LockedError{Resource: key, Status: *apiErr.Status}
	}
	return err
}

func (c *HTTPStore) batch(ctx context.Context, op, editor, path string, names []string) error {
	err := c.do(ctx, http.MethodPost, path, editor, names, nil)

	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.Code == models.ErrCodeBatchFailed {
		failed := make(map[string]error, len(apiErr.Failed))
		for _, name := range apiErr.Failed {
			failed[name] = models.ErrNotFound
		}
		return &models.BatchError{Op: op, Failed: failed}
	}
	return err
}

// do sends one request and decodes the response into out when given.
func (c *HTTPStore) do(ctx context.Context, method, path, editor string, payload, out any) error {
	target := c.baseURL + path

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if editor != "" {
		req.Header.Set(EditorHeader, editor)
	}

	c.logger.WithFields(map[string]any{
		"method": method,
		"url":    target,
	}).Debug("Sending request")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, models.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", models.ErrStoreUnavailable, err)
	}

	c.logger.WithFields(map[string]any{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// decodeError rebuilds the error the server reported. Unreadable bodies
// fall back to the status class.
func decodeError(resp *http.Response, body []byte) error {
	var apiErr models.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.StatusCode = resp.StatusCode
		if apiErr.RequestID == "" {
			apiErr.RequestID = resp.Header.Get("X-Request-ID")
		}
		return &apiErr
	}

	if isUnavailable(resp.StatusCode) {
		return fmt.Errorf("%w: HTTP %d", models.ErrStoreUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// isUnavailable reports statuses that mean the store could not be reached.
func isUnavailable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusBadGateway ||
		status == http.StatusGatewayTimeout ||
		(status >= 500 && status < 600)
}

func collectionPath(collection string, segments ...string) string {
	path := "/frontend/" + url.PathEscape(collection)
	for _, s := range segments {
		path += "/" + url.PathEscape(s)
	}
	return path
}
