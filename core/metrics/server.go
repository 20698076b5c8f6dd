package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchktools/chunk-server/core/logsink"
)

// DefaultPort is the metrics listener port when none is configured
const DefaultPort = 9090

// Server exposes a registry at GET /metrics
type Server struct {
	server       *http.Server
	log          *logsink.Logger
	shutdownOnce sync.Once
}

// NewServer creates a metrics server for reg listening on host:port. The
// server is not started.
func NewServer(reg *prometheus.Registry, host string, port int, log *logsink.Logger) *Server {
	if port <= 0 {
		port = DefaultPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &Server{
		server: &http.Server{
			Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Info("Metrics server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			s.log.Error("Metrics server shutdown error: %v", err)
			return
		}
		s.log.Info("Metrics server stopped")
	})
	return shutdownErr
}
