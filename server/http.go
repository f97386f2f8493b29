// Package server provides the kiosk's optional HTTP status server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/photo-kiosk/display"
	"github.com/wolfeidau/photo-kiosk/ledger"
	"github.com/wolfeidau/photo-kiosk/scheduler"
	"github.com/wolfeidau/photo-kiosk/syncer"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on /status.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// SyncSource reports the sync engine's live state.
type SyncSource interface {
	State() syncer.State
	LastResult() *syncer.PassResult
}

// LedgerSource reports persisted sync progress.
type LedgerSource interface {
	SyncState(ctx context.Context) (*ledger.SyncState, error)
	CountFiles(ctx context.Context) (int, error)
}

// QueueSource reports the image queue contents.
type QueueSource interface {
	Snapshot() scheduler.Snapshot
}

// DisplaySource reports the display ticker's state.
type DisplaySource interface {
	State() display.TickState
}

var (
	_ SyncSource    = (*syncer.Engine)(nil)
	_ LedgerSource  = (*ledger.Ledger)(nil)
	_ QueueSource   = (*scheduler.Queue)(nil)
	_ DisplaySource = (*display.Ticker)(nil)
)

// Server is the HTTP status server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	handler    http.Handler

	sync    SyncSource
	ledger  LedgerSource
	queue   QueueSource
	display DisplaySource
}

// Option configures a Server.
type Option func(*Server)

// WithSync reports sync engine state on /status.
func WithSync(src SyncSource) Option {
	return func(s *Server) {
		s.sync = src
	}
}

// WithLedger reports persisted sync state on /status.
func WithLedger(src LedgerSource) Option {
	return func(s *Server) {
		s.ledger = src
	}
}

// WithQueue reports queue contents on /status.
func WithQueue(src QueueSource) Option {
	return func(s *Server) {
		s.queue = src
	}
}

// WithDisplay reports the last displayed frame on /status.
func WithDisplay(src DisplaySource) Option {
	return func(s *Server) {
		s.display = src
	}
}

// New creates a new server with the given configuration.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// Handler returns the server's root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
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

		// Inject request tags so handlers can set the endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"status_class", telemetry.StatusClass(rec.status),
			"bytes_sent", rec.bytes,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}

		s.logger.Debug("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, rec.status, duration)
	})
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// statusRecorder remembers the status and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
