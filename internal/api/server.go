// Package api serves the live stream, the event feeds and the mode control
// endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/config"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/framestream"
	"github.com/mikeyg42/sentrycam/internal/metrics"
)

// ModeController reads and switches the pipeline mode.
type ModeController interface {
	Mode() event.Mode
	SetMode(s string) error
	Degraded() []event.Mode
}

// EventReader is the read side of the event store.
type EventReader interface {
	Latest(n int) []event.Event
	Len() int
	Total() uint64
}

// FrameReader is the consumer side of the frame publisher.
type FrameReader interface {
	Latest() (framestream.Published, bool)
	Seq() uint64
}

// ProducerStatus reports the producer loop state.
type ProducerStatus interface {
	Stats() framestream.ProducerStats
}

// HealthCheck probes one optional backend.
type HealthCheck func(ctx context.Context) error

// Deps are the components the server reads from. Producer, Metrics and
// Checks may be nil.
type Deps struct {
	Modes    ModeController
	Events   EventReader
	Frames   FrameReader
	Producer ProducerStatus
	Metrics  *metrics.Metrics
	Checks   map[string]HealthCheck
}

// Server is an HTTP API server
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	httpServer *http.Server
	mux        *http.ServeMux
	limiter    *RateLimiter
	logger     *zap.Logger

	// done is closed on Shutdown so long-lived streams return and let the
	// server drain.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 30 * time.Millisecond
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 250 * time.Millisecond
	}
	if cfg.LatestCount <= 0 {
		cfg.LatestCount = 50
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: logger.Named("api"),
		done:   make(chan struct{}),
	}
	if cfg.ModeRateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.ModeRateLimit, time.Minute)
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: /video_feed, /events and /ws/events stay open
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/video_feed", s.handleVideoFeed)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/ws/events", s.handleEventsWebsocket)

	s.mux.HandleFunc("/api/latest_events", s.handleLatestEvents)
	s.mux.HandleFunc("/api/mode", s.handleMode)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)

	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.registerStatic()
}

// Handler is the full handler chain, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.cfg.AllowedOrigins, s.mux)
}

var defaultAllowedOrigins = []string{
	"http://localhost:5000",
	"http://localhost:8080",
	"http://localhost:3000",
	"http://127.0.0.1:5000",
	"http://127.0.0.1:8080",
	"http://127.0.0.1:3000",
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (allowedOrigins["*"] || allowedOrigins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Shutdown ends open streams and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.doneOnce.Do(func() { close(s.done) })
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine. The returned channel
// receives the terminal error, if any, and is then closed.
func (s *Server) StartInBackground() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
			errCh <- err
		}
	}()
	return errCh
}
