// Package handler serves the console API from AWS Lambda behind an API
// Gateway HTTP API.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"

	"github.com/guardian/support-admin-console-sub001/internal/client"
	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// ConfigEnv names the optional config file read at cold start.
const ConfigEnv = "CONSOLE_CONFIG"

// Handler translates API Gateway events into requests on the console API.
type Handler struct {
	api    http.Handler
	logger *events.Logger
	closer func() error
}

// NewHandler builds the handler from configuration and environment.
func NewHandler() (*Handler, error) {
	cfg, err := config.NewLoader(os.Getenv(ConfigEnv)).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.ApplyLambdaDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := events.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	c, err := client.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	srv, err := c.Server()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}

	logger.WithFields(map[string]any{
		"backend": cfg.Store.Backend,
		"bucket":  cfg.Store.AWS.Bucket,
		"table":   cfg.Store.AWS.LockTable,
	}).Info("Lambda handler initialized")

	h := New(srv, logger)
	h.closer = c.Close
	return h, nil
}

// New wraps an HTTP API.
func New(api http.Handler, logger *events.Logger) *Handler {
	return &Handler{
		api:    api,
		logger: logger.WithField("component", "lambda_handler"),
	}
}

// Close releases the backend.
func (h *Handler) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

// Handle serves one API Gateway request. Every failure, including a
// malformed event, is returned as an HTTP response.
func (h *Handler) Handle(ctx context.Context, event lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	start := time.Now()

	req, err := toRequest(ctx, event)
	if err != nil {
		h.logger.WithError(err).Warn("Rejecting malformed event")
		body, _ := json.Marshal(&models.APIError{
			Code:       models.ErrCodeInvalidRequest,
			Message:    err.Error(),
			StatusCode: http.StatusBadRequest,
			RequestID:  event.RequestContext.RequestID,
		})
		return lambdaevents.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       string(body),
		}, nil
	}

	w := newResponseWriter()
	h.api.ServeHTTP(w, req)

	h.logger.WithFields(map[string]any{
		"method":      req.Method,
		"path":        req.URL.Path,
		"status":      w.status,
		"request_id":  event.RequestContext.RequestID,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Event served")

	return w.response(), nil
}

func toRequest(ctx context.Context, event lambdaevents.APIGatewayV2HTTPRequest) (*http.Request, error) {
	method := event.RequestContext.HTTP.Method
	if method == "" {
		return nil, fmt.Errorf("event has no method")
	}
	path := event.RawPath
	if path == "" {
		path = event.RequestContext.HTTP.Path
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("event path %q is not absolute", path)
	}
	target := path
	if event.RawQueryString != "" {
		target += "?" + event.RawQueryString
	}

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = decoded
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, value := range event.Headers {
		req.Header.Set(name, value)
	}
	for _, cookie := range event.Cookies {
		req.Header.Add("Cookie", cookie)
	}
	if req.Header.Get("X-Request-ID") == "" && event.RequestContext.RequestID != "" {
		req.Header.Set("X-Request-ID", event.RequestContext.RequestID)
	}
	req.RemoteAddr = event.RequestContext.HTTP.SourceIP
	return req, nil
}

// responseWriter buffers a response for API Gateway.
type responseWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: make(http.Header)}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) response() lambdaevents.APIGatewayV2HTTPResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}

	headers := make(map[string]string, len(w.header))
	var multi map[string][]string
	for name, values := range w.header {
		if len(values) == 0 {
			continue
		}
		headers[name] = values[0]
		if len(values) > 1 {
			if multi == nil {
				multi = make(map[string][]string)
			}
			multi[name] = values
		}
	}

	return lambdaevents.APIGatewayV2HTTPResponse{
		StatusCode:        status,
		Headers:           headers,
		MultiValueHeaders: multi,
		Body:              w.body.String(),
	}
}
