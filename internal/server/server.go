// Package server serves the staging copy of a previewed project over HTTP,
// injecting the live reload client into HTML pages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/docserve/internal/livereload"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/conneroisu/docserve/internal/renderqueue"
	"github.com/conneroisu/docserve/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Options configure a Server.
type Options struct {
	Host string
	Port int
	// StagingDir is the directory served at "/".
	StagingDir string
	// Live handles the reload WebSocket and script injection.
	Live *livereload.Manager
	// RenderStats reports render queue activity for /health. Optional.
	RenderStats func() renderqueue.Stats
	// InputFor maps a page path relative to StagingDir to the input file it
	// was rendered from. Optional.
	InputFor func(rel string) (string, bool)
}

// Server serves the staging directory with live reload.
type Server struct {
	opts   Options
	logger logging.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server.
func New(opts Options, logger logging.Logger) *Server {
	return &Server{
		opts:   opts,
		logger: logger.WithComponent("http"),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.opts.Live != nil {
		mux.HandleFunc(s.opts.Live.Path(), s.opts.Live.HandleWebSocket)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/", &staticHandler{
		root:     s.opts.StagingDir,
		live:     s.opts.Live,
		inputFor: s.opts.InputFor,
		logger:   s.logger,
	})

	return Chain(mux,
		RecoverMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		NoCacheMiddleware(),
	)
}

// Listen binds the listen address. Run calls it when needed; calling it
// first surfaces "address in use" before any other work starts.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	s.listener = ln
	return nil
}

// URL returns the base URL browsers should open.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return "http://" + s.Addr()
}

// Port returns the bound port, or the configured one before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	return s.opts.Port
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	ln := s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info(ctx, "Serving preview", "url", s.URL())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// handleHealth returns the server health status for health checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Short(),
	}
	if s.opts.Live != nil {
		health["clients"] = s.opts.Live.ClientCount()
	}
	if s.opts.RenderStats != nil {
		stats := s.opts.RenderStats()
		health["renders"] = map[string]interface{}{
			"queued":    stats.Queued,
			"running":   stats.Running,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"last_run":  stats.LastRun.String(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}
