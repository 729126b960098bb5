// Package http serves the read-only index monitor.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/store"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

const (
	defaultHistoryLimit = 2000
	maxHistoryLimit     = 10000
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	Symbol       string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the local-only defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		Symbol:       "CRYP_INDEX",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the read-only monitor over persisted index state
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  ServerConfig
	state   store.StateStore
	locker  store.Locker
	metrics *metrics.Registry
	started time.Time
}

// NewServer wires routes over the given stores. locker and m may be nil.
func NewServer(config ServerConfig, state store.StateStore, locker store.Locker, m *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		config:  config,
		state:   state,
		locker:  locker,
		metrics: m,
		started: time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler exposes the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.health).Methods("GET")
	api.HandleFunc("/api/index/history", s.history).Methods("GET")
	api.HandleFunc("/api/index/state", s.indexState).Methods("GET")
	api.HandleFunc("/api/portfolio", s.portfolio).Methods("GET")

	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
	}))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, r, http.StatusBadRequest, "invalid_limit",
				fmt.Sprintf("limit must be an integer in [1, %d]", maxHistoryLimit))
			return
		}
		limit = n
	}

	points, err := s.state.History(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Symbol: s.config.Symbol, Count: len(points), Points: points})
}

func (s *Server) indexState(w http.ResponseWriter, r *http.Request) {
	st, err := s.state.LoadIndexState(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "state_unavailable", err.Error())
		return
	}
	if st == nil {
		writeError(w, r, http.StatusNotFound, "index_not_launched", "no index state has been written yet")
		return
	}
	last, err := s.state.LastHistoryPoint(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: st, LastPoint: last})
}

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.state.LoadPortfolio(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "portfolio_unavailable", err.Error())
		return
	}
	if p == nil {
		writeError(w, r, http.StatusNotFound, "no_portfolio", "no portfolio has been committed yet")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown
func (s *Server) Start() error {
	log.Info().Str("addr", s.Address()).Msg("Starting index monitor (read-only)")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down index monitor")
	return s.server.Shutdown(ctx)
}

// Address returns host:port
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     strings.ToLower(http.StatusText(status)),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
