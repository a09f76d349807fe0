// Package server exposes a gqlite database over HTTP.
//
// Endpoints:
//
//	POST /query    run a query; body {"query": "..."} or the raw query text
//	GET  /health   liveness of the underlying handle
//	GET  /stats    server, database and cache counters
//	GET  /history  recent queries (when a history store is configured)
//	GET  /         the query console
//
// Successful queries answer with GraphJSON. Failures answer with
// {"error": {"kind": "...", "message": "..."}} and a status derived from the
// error kind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orneryd/gqlite/pkg/cache"
	"github.com/orneryd/gqlite/pkg/gqlite"
	"github.com/orneryd/gqlite/pkg/graphjson"
	"github.com/orneryd/gqlite/pkg/history"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
	ErrEmptyQuery   = errors.New("empty query")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 2999)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 1MB)
	MaxRequestSize int64
	// QueryTimeout is the deadline applied to every query; zero disables it.
	QueryTimeout time.Duration
	// HistoryLimit is the default page size of GET /history.
	HistoryLimit int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           2999,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 1 << 20,
		QueryTimeout:   30 * time.Second,
		HistoryLimit:   50,
	}
}

// Server is the HTTP gateway for one gqlite database.
type Server struct {
	config  *Config
	db      *gqlite.DB
	cache   cache.ResultStore
	history *history.Store
	log     zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	// generation is bumped by every write that reached the engine, failed or
	// not. A read only fills the cache when no write finished while it ran.
	// cacheMu makes the generation check and the fill atomic with respect to
	// a write's bump and invalidation.
	cacheMu    sync.Mutex
	generation atomic.Uint64

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
}

// New creates a new HTTP server for db.
func New(db *gqlite.DB, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	return &Server{
		config:  config,
		db:      db,
		log:     log.Logger,
		started: time.Now(),
	}, nil
}

// SetCache enables result caching for read-only queries.
func (s *Server) SetCache(store cache.ResultStore) { s.cache = store }

// SetHistory enables query history.
func (s *Server) SetHistory(store *history.Store) { s.history = store }

// SetLogger replaces the request and error logger.
func (s *Server) SetLogger(logger zerolog.Logger) { s.log = logger }

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Str("db", s.db.Path()).Msg("Gateway listening")
	return nil
}

// Stop gracefully shuts down the server. The database is left open.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
	CacheHits      int64         `json:"cache_hits"`
	CacheMisses    int64         `json:"cache_misses"`
}

// =============================================================================
// Router Setup
// =============================================================================

// Handler returns the gateway's routes. It is what Start serves, exposed for
// embedding and tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)

	r.Post("/query", s.handleQuery)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/history", s.handleHistory)

	if ui, err := newUIHandler(); err != nil {
		s.log.Warn().Err(err).Msg("Query console unavailable")
	} else {
		r.Get("/", ui.ServeHTTP)
	}
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			// skip health checks for noise reduction
			if r.URL.Path == "/health" {
				return
			}
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Msg("Handler panic")
				s.writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query, err := s.readQuery(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, string(gqlite.KindQuery), err.Error())
		return
	}

	ctx := r.Context()
	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	readOnly := gqlite.IsReadOnly(query)
	if readOnly && s.cache != nil {
		if data, ok := s.cachedResult(ctx, query); ok {
			s.cacheHits.Add(1)
			w.Header().Set("X-Cache", "HIT")
			s.writeRaw(w, http.StatusOK, data)
			return
		}
		s.cacheMisses.Add(1)
		w.Header().Set("X-Cache", "MISS")
	}

	gen := s.generation.Load()
	start := time.Now()
	g, err := s.db.Query(ctx, query)
	elapsed := time.Since(start)
	s.record(r.Context(), query, readOnly, start, elapsed, g, err)
	if !readOnly {
		// A write that timed out or failed may still have been applied.
		s.invalidate(r.Context())
	}
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	data, err := g.Encode()
	if err != nil {
		s.writeError(w, http.StatusBadGateway, string(gqlite.KindSerialization), err.Error())
		return
	}
	if readOnly {
		s.fill(r.Context(), gen, query, data)
	}

	s.writeRaw(w, http.StatusOK, data)
}

func (s *Server) invalidate(ctx context.Context) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.generation.Add(1)
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn().Err(err).Msg("Cache invalidation failed")
	}
}

// fill stores data for query unless a write finished since gen was read.
func (s *Server) fill(ctx context.Context, gen uint64, query string, data []byte) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.generation.Load() != gen {
		return
	}
	if err := s.cache.Set(ctx, query, data); err != nil {
		s.log.Warn().Err(err).Msg("Cache store failed")
	}
}

// readQuery accepts a JSON body with a "query" field, or any other content
// type as the raw query text.
func (s *Server) readQuery(w http.ResponseWriter, r *http.Request) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	query := string(body)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req queryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		query = req.Query
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	return query, nil
}

func (s *Server) cachedResult(ctx context.Context, query string) ([]byte, bool) {
	data, ok, err := s.cache.Get(ctx, query)
	if err != nil {
		s.log.Warn().Err(err).Msg("Cache lookup failed")
		return nil, false
	}
	return data, ok
}

func (s *Server) record(ctx context.Context, query string, readOnly bool, start time.Time, elapsed time.Duration, g *graphjson.Graph, qerr error) {
	if s.history == nil {
		return
	}
	e := history.Entry{
		DBPath:    s.db.Path(),
		Query:     query,
		ReadOnly:  readOnly,
		StartedAt: start,
		Duration:  elapsed,
	}
	if g != nil {
		e.Nodes, e.Links = len(g.Nodes), len(g.Links)
	}
	if qerr != nil {
		e.ErrorKind = string(gqlite.KindOf(qerr))
		e.ErrorMsg = errorMessage(qerr)
	}
	// the request context may already be past its deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.history.Record(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record query history")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.db.Stats()
	if st.Closed {
		s.writeError(w, http.StatusServiceUnavailable, string(gqlite.KindInvalidHandle), "database closed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"db":     st.Path,
	})
}

type statsResponse struct {
	Server ServerStats       `json:"server"`
	DB     gqlite.Stats      `json:"db"`
	Cache  *cache.CacheStats `json:"cache,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Server: s.Stats(), DB: s.db.Stats()}
	if ms, ok := s.cache.(*cache.MemoryStore); ok {
		cs := ms.Stats()
		resp.Cache = &cs
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "NotFound", "query history is disabled")
		return
	}
	entries, err := s.history.List(r.Context(), parseIntQuery(r, "limit", s.config.HistoryLimit))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list history")
		s.writeError(w, http.StatusInternalServerError, "InternalError", "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queries": entries})
}

// =============================================================================
// Helpers
// =============================================================================

// StatusFor maps a gateway error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	switch gqlite.KindOf(err) {
	case gqlite.KindQuery:
		return http.StatusBadRequest
	case gqlite.KindInvalidHandle:
		return http.StatusServiceUnavailable
	case gqlite.KindSerialization:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var ge *gqlite.Error
	if errors.As(err, &ge) {
		return ge.Message()
	}
	return err.Error()
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	val, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || val <= 0 {
		return defaultVal
	}
	return val
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.errorCount.Add(1)
	s.writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	kind := gqlite.KindOf(err)
	if kind == "" {
		kind = gqlite.KindResource
	}
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn().Err(err).Int("status", status).Msg("Query failed")
	}
	s.writeError(w, status, string(kind), errorMessage(err))
}
