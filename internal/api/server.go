// Package api exposes the read-only HTTP interface for the directory
// service: entity lookups, the review queue, and operational status.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/metrics"
	"github.com/placemerge/placemerge/internal/robots"
	"github.com/placemerge/placemerge/internal/schedule"
)

// Config controls the HTTP server surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store, scheduler, and robots cache.
type Server struct {
	router chi.Router
	store  directory.Store
	sched  *schedule.Scheduler
	robots *robots.Cache
	logger *zap.Logger
	cfg    Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store directory.Store,
	sched *schedule.Scheduler,
	robotsCache *robots.Cache,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		store:  store,
		sched:  sched,
		robots: robotsCache,
		logger: logger,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/businesses", func(r chi.Router) {
			r.Get("/", s.listBusinesses)
			r.Get("/{entity_id}", s.getBusiness)
		})
		r.Get("/review", s.listReview)
		r.Get("/scheduler", s.schedulerStatus)
		r.Post("/scheduler/reset", s.schedulerReset)
		r.Get("/robots", s.robotsStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.List(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) listBusinesses(w http.ResponseWriter, r *http.Request) {
	businesses, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list businesses failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(businesses),
		"businesses": businesses,
	}, s.logger)
}

// getBusiness resolves one entity. Lookups against a superseded ID
// follow the forwarding pointer and return the surviving entity.
func (s *Server) getBusiness(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "entity_id")
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity id", s.logger)
		return
	}
	id := directory.EntityID(parsed)

	for {
		b, err := s.store.Get(r.Context(), id)
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "business not found", s.logger)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load business failed", s.logger)
			return
		}
		if b.Superseded() {
			id = b.SupersededBy
			continue
		}
		writeJSON(w, http.StatusOK, b, s.logger)
		return
	}
}

func (s *Server) listReview(w http.ResponseWriter, r *http.Request) {
	businesses, err := s.store.ListReview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list review queue failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(businesses),
		"businesses": businesses,
	}, s.logger)
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "scheduler not running", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.sched.Snapshot()}, s.logger)
}

// schedulerReset returns blocked tasks to the crawl pool. This is the
// operator-facing reset sweep for sources blocked by repeated failures.
func (s *Server) schedulerReset(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "scheduler not running", s.logger)
		return
	}
	n := s.sched.ResetBlocked()
	s.logger.Info("blocked tasks reset", zap.Int("tasks", n))
	writeJSON(w, http.StatusOK, map[string]int{"reset": n}, s.logger)
}

func (s *Server) robotsStatus(w http.ResponseWriter, _ *http.Request) {
	if s.robots == nil {
		writeError(w, http.StatusNotFound, "robots cache not running", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.robots.Snapshot()}, s.logger)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
