package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/nodeflow/common/logger"
)

// Server wraps an HTTP listener with interrupt-driven graceful shutdown.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// Option adjusts the underlying http.Server before it starts.
type Option func(*http.Server)

// WithLongLivedConnections removes per-request read/write deadlines.
// Endpoints that hold connections open indefinitely (WebSocket upgrades)
// need this; the idle timeout still reaps dead plain-HTTP connections.
func WithLongLivedConnections() Option {
	return func(s *http.Server) {
		s.ReadTimeout = 0
		s.WriteTimeout = 0
		s.IdleTimeout = 120 * time.Second
	}
}

// New creates a server listening on the given port.
func New(name string, port int, handler http.Handler, log *logger.Logger, opts ...Option) *Server {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(httpServer)
	}

	return &Server{
		httpServer: httpServer,
		log:        log,
		name:       name,
	}
}

// Start serves until a listener error or an interrupt signal, then drains
// outstanding requests before returning.
func (s *Server) Start() error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", "error", err)
			if err := s.httpServer.Close(); err != nil {
				return fmt.Errorf("could not stop server: %w", err)
			}
		}

		s.log.Info("shutdown complete")
	}

	return nil
}
