// Package server exposes the reader engine and the library over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Suprimir/gihon/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server owns the HTTP listener lifecycle and its graceful shutdown.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New prepares a server bound to the configured listen address.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		logger:     logger.With(slog.String("agent", "lifecycle")),
		httpServer: httpSrv,
		ready:      make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address once Run has started listening,
// or the configured address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// shutdown runs at most once even when cancellation cascades.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
