// Package server provides the relay's local HTTP surface: telemetry
// ingest, direct queries and status.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/batch"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/command"
	"github.com/wolfeidau/devtools-relay/guard"
	"github.com/wolfeidau/devtools-relay/status"
	"github.com/wolfeidau/devtools-relay/telemetry"
	"golang.org/x/net/netutil"
)

// MaxBodySize caps an inbound request body, before and after
// decompression.
const MaxBodySize = 10 << 20

// ResultLog lists journaled results, newest first.
type ResultLog interface {
	Recent(ctx context.Context, n int) ([]devtoolsrelay.TerminalResult, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:7890")
	Address string

	// AuthToken enables bearer authentication when set.
	AuthToken string

	// MaxConnections limits concurrent connections. Zero disables the
	// limit.
	MaxConnections int

	// Pipeline receives ingested telemetry. Required.
	Pipeline *batch.Pipeline

	// Dispatcher runs queries posted to /queries. Required.
	Dispatcher *command.Dispatcher

	// Tracker is reported on /status. Required.
	Tracker *status.Tracker

	// Breaker and Guard are reported on /status when set.
	Breaker *breaker.Breaker
	Guard   *guard.Guard

	// Journal serves /results when set.
	Journal ResultLog

	// Logger for the server
	Logger *slog.Logger
}

// Server is the relay's HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	decoder    *zstd.Decoder

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil || cfg.Dispatcher == nil || cfg.Tracker == nil {
		return nil, errors.New("server: pipeline, dispatcher and tracker are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:7890"
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger.With("component", "server"),
		decoder: dec,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // queries may run for their full timeout
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", internal(telemetry.PrometheusHandler()))

	p := s.config.Pipeline
	mux.HandleFunc("POST "+devtoolsrelay.KindLog.Endpoint(), ingest(s, devtoolsrelay.KindLog, p.AddLogs))
	mux.HandleFunc("POST "+devtoolsrelay.KindWebSocketEvent.Endpoint(), ingest(s, devtoolsrelay.KindWebSocketEvent, p.AddWebSocketEvents))
	mux.HandleFunc("POST "+devtoolsrelay.KindEnhancedAction.Endpoint(), ingest(s, devtoolsrelay.KindEnhancedAction, p.AddEnhancedActions))
	mux.HandleFunc("POST "+devtoolsrelay.KindNetworkBody.Endpoint(), ingest(s, devtoolsrelay.KindNetworkBody, p.AddNetworkBodies))
	mux.HandleFunc("POST "+devtoolsrelay.KindPerformanceSnapshot.Endpoint(), ingest(s, devtoolsrelay.KindPerformanceSnapshot, p.AddPerformanceSnapshots))

	mux.HandleFunc("POST /queries", s.handleQuery)
	mux.HandleFunc("GET /commands", s.handleCommands)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /results", s.handleResults)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set route, kind, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind, "items", tags.Items)
		}
		if tags.QueryType != "" {
			attrs = append(attrs, "query_type", tags.QueryType)
		}

		level := slog.LevelInfo
		if tags.Route == telemetry.RouteInternal {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln. When MaxConnections is set, ln is wrapped so no more
// than that many connections are open at once.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting server", "address", ln.Addr().String(), "max_connections", s.config.MaxConnections)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	defer s.decoder.Close()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the listen address, resolved once serving.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
