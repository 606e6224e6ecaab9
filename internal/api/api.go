// Package api provides the HTTP control surface for AnchorLoop.
//
// It exposes the conversation controls (start, stop, typed submit, voice
// settings), the status snapshot, Prometheus metrics, the browser speech
// bridge and, when configured, the recent turn log.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/metrics"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/store"
)

// Default configuration values.
const (
	// DefaultServerAddress is the default address for the API server.
	DefaultServerAddress = ":8080"
	// DefaultCommandTimeout bounds how long a handler waits on the loop.
	DefaultCommandTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 5 * time.Second
	// MaxRequestBodyBytes caps JSON request bodies.
	MaxRequestBodyBytes = 64 * 1024
)

// Controller is the conversation loop as seen by the API.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Submit(ctx context.Context, text string) error
	SelectVoice(ctx context.Context, id string) error
	SetRate(ctx context.Context, rate float64) (float64, error)
	SetPitch(ctx context.Context, pitch float64) (float64, error)
	Status() models.Status
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string             // HTTP listen address
	Metrics        *metrics.Collector // optional; enables /metrics
	Turns          store.TurnStore    // optional; enables /turns
	Bridge         http.Handler       // optional; served at /ws
	CommandTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetrics mounts the collector at /metrics and records request metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) {
		o.Metrics = c
	}
}

// WithTurnStore exposes recent turns at /turns.
func WithTurnStore(s store.TurnStore) Option {
	return func(o *Opts) {
		o.Turns = s
	}
}

// WithBridge serves the browser speech bridge at /ws.
func WithBridge(h http.Handler) Option {
	return func(o *Opts) {
		o.Bridge = h
	}
}

// WithCommandTimeout bounds how long handlers wait for the loop.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.CommandTimeout = d
		}
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	loop           Controller
	metrics        *metrics.Collector
	turns          store.TurnStore
	bridge         http.Handler
	addr           string
	commandTimeout time.Duration
	startedAt      time.Time
}

// NewServer creates a Server for loop.
func NewServer(loop Controller, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, CommandTimeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	return &Server{
		loop:           loop,
		metrics:        cfg.Metrics,
		turns:          cfg.Turns,
		bridge:         cfg.Bridge,
		addr:           cfg.Addr,
		commandTimeout: cfg.CommandTimeout,
		startedAt:      time.Now(),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/conversation/start", s.startHandler)
	s.route(mux, "/conversation/stop", s.stopHandler)
	s.route(mux, "/conversation/submit", s.submitHandler)
	s.route(mux, "/conversation/status", s.statusHandler)
	s.route(mux, "/voices", s.voicesHandler)
	s.route(mux, "/voices/selected", s.selectVoiceHandler)
	s.route(mux, "/voices/settings", s.voiceSettingsHandler)
	s.route(mux, "/healthz", s.healthHandler)
	if s.turns != nil {
		s.route(mux, "/turns", s.turnsHandler)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.bridge != nil {
		mux.Handle("/ws", s.bridge)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, path string, h http.HandlerFunc) {
	if s.metrics == nil {
		mux.HandleFunc(path, h)
		return
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(started))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: API server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API server stopped")
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
