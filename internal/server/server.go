package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/vanshika/paybridge/backend/internal/config"
)

// BackgroundWorker runs alongside the HTTP listener until its context ends.
// payments.Sweeper satisfies it.
type BackgroundWorker interface {
	Run(ctx context.Context) error
}

// Server owns the HTTP listener and the background workers that share its
// lifetime.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        config.HTTPConfig
	workers    map[string]BackgroundWorker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan net.Addr
}

// New constructs a Server serving handler. workers are started by Start and
// stopped by Shutdown.
func New(logger *slog.Logger, cfg config.HTTPConfig, handler http.Handler, workers map[string]BackgroundWorker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return &Server{
		httpServer: httpServer,
		logger:     logger.With("component", "http_server"),
		cfg:        cfg,
		workers:    workers,
		ready:      make(chan net.Addr, 1),
	}
}

// Ready yields the bound listener address once Start is accepting traffic.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start launches the background workers and serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	for name, w := range s.workers {
		s.wg.Add(1)
		go func(name string, w BackgroundWorker) {
			defer s.wg.Done()
			s.logger.Info("background worker started", "worker", name)
			if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("background worker stopped", "worker", name, "error", err)
			}
		}(name, w)
	}

	s.logger.Info("starting http server", "addr", ln.Addr().String(), "workers", len(s.workers))
	s.ready <- ln.Addr()
	err = s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return err
	}
	return nil
}

// Shutdown drains HTTP connections, then stops the background workers and
// waits for them within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("background workers did not stop: %w", ctx.Err()))
	}
	return err
}
