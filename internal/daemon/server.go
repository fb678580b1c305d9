package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/config"
	"github.com/mfreitas/pigeon/internal/metrics"
)

// Server exposes the Prometheus metrics endpoint. When metrics are
// disabled in config it is a no-op shell so the lifecycle wiring stays
// uniform.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the metrics listener on localhost if enabled.
func NewServer(cfg *config.Config, met *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if !cfg.Metrics.Enabled {
		return &Server{logger: logger}, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Metrics.Port))
	if err != nil {
		return nil, fmt.Errorf("listen metrics port: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		logger:     logger,
	}, nil
}

// Addr returns the bound listener address, empty when disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until Stop is called. A no-op when metrics are disabled.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("metrics server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
