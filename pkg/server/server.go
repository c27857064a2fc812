// Package server exposes the interview engine over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
	"github.com/dotsetgreg/biographer/pkg/voice"
)

// Regenerator writes a fresh biography version on demand.
type Regenerator interface {
	Regenerate(ctx context.Context, userID string) (memory.BiographyDoc, error)
}

type Options struct {
	APIKey string
	// Regenerator is optional; without it the regenerate endpoint is 501.
	Regenerator Regenerator
	Transcriber voice.Transcriber
	Speaker     voice.Speaker
}

type Server struct {
	ctrl     *interview.Controller
	store    memory.Store
	opts     Options
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(ctrl *interview.Controller, store memory.Store, opts Options) *Server {
	s := &Server{
		ctrl:  ctrl,
		store: store,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.opts.APIKey))
		r.Route("/v1/users/{userID}", func(r chi.Router) {
			r.Post("/sessions", s.startSession)
			r.Get("/session", s.currentSession)
			r.Post("/session/end", s.endSession)
			r.Post("/turns", s.submitTurn)
			r.Post("/turns/audio", s.submitAudioTurn)
			r.Get("/memories", s.listMemories)
			r.Get("/biography/latest", s.latestBiography)
			r.Get("/biography/versions", s.biographyVersions)
			r.Post("/biography/regenerate", s.regenerateBiography)
			r.Get("/ws", s.websocket)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("server", "HTTP server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, interview.ErrSessionBusy),
		errors.Is(err, interview.ErrSessionConflict),
		errors.Is(err, interview.ErrSessionPaused):
		return http.StatusConflict
	case errors.Is(err, interview.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, interview.ErrNoActiveSession), errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case providers.IsTransient(err):
		return http.StatusServiceUnavailable
	case providers.IsFatal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("server", "Request failed", map[string]interface{}{
			"request_id": requestID(r),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
