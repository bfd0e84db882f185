// Package server exposes a Store over HTTP and pushes change notifications
// to connected editors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

const maxBodyBytes = 5 << 20

// Server routes console API requests to a Store.
type Server struct {
	store  store.Store
	hub    *Hub
	logger *events.Logger
	mux    *http.ServeMux
}

// New creates a server. hub may be nil, in which case /events is not served.
func New(st store.Store, hub *Hub, logger *events.Logger) *Server {
	s := &Server{
		store:  st,
		hub:    hub,
		logger: logger.WithField("component", "server"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.hub != nil {
		s.mux.HandleFunc("GET "+transport.EventsPath, s.hub.ServeWS)
	}

	s.handle("GET /frontend/{collection}", s.fetch)
	s.handle("GET /frontend/{collection}/archived", s.archived)
	s.handle("POST /frontend/{collection}/update", s.save)
	s.handle("POST /frontend/{collection}/update/{name}", s.updateItem)
	s.handle("POST /frontend/{collection}/create", s.create)
	s.handle("POST /frontend/{collection}/list/reorder", s.reorder)
	s.handle("POST /frontend/{collection}/archive", s.archive)
	s.handle("POST /frontend/{collection}/delete", s.delete)
	s.handle("POST /frontend/{collection}/status/{status}", s.setStatus)

	for _, action := range []string{"lock", "unlock", "takecontrol"} {
		h := s.lockAction(action)
		s.handle("POST /frontend/{collection}/"+action, h)
		s.handle("POST /frontend/{collection}/"+action+"/{name}", h)
	}
}

// handle wraps a handler with request ids, logging and error rendering.
func (s *Server) handle(pattern string, fn handlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		editor := r.Header.Get(transport.EditorHeader)
		logger := s.logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		if editor != "" {
			logger = logger.WithField("editor", editor)
		}

		ctx := events.WithLogger(r.Context(), logger)
		ctx = events.WithRequestID(ctx, requestID)
		ctx = events.WithEditor(ctx, editor)
		r = r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				logger.WithFields(map[string]any{
					"panic": fmt.Sprint(p),
					"stack": string(debug.Stack()),
				}).Error("Handler crashed")
				writeError(w, logger, errors.New("panic"), requestID)
			}
		}()

		start := time.Now()
		if err := fn(w, r); err != nil {
			writeError(w, logger, err, requestID)
			return
		}
		logger.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Request served")
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener, shutdownTimeout)
}

// Serve serves on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", listener.Addr().String()).Info("Serving console API")
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	if s.hub != nil {
		s.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func editorOf(r *http.Request) string {
	return r.Header.Get(transport.EditorHeader)
}

func decodeBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", models.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %w", models.ErrInvalidRequest, err)
	}
	return nil
}

func ok(w http.ResponseWriter) error {
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}
