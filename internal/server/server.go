package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"havoc/internal/logging"
	"havoc/internal/report"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported through the gRPC health protocol
const ServiceName = "havoc"

const shutdownTimeout = 5 * time.Second

// Health reflects the outcome of the latest cycle as gRPC health status
type Health struct {
	server *health.Server
}

// NewHealth creates a Health that reports NOT_SERVING until the first successful cycle
func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to s
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Publish implements report.Sink
func (h *Health) Publish(ctx context.Context, r report.Report) error {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if r.Succeeded() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(ServiceName, status)
	return nil
}

// Shutdown marks every service NOT_SERVING
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

// Server hosts the gRPC health endpoint and the HTTP metrics endpoint.
// An empty address disables that endpoint.
type Server struct {
	healthAddr  string
	metricsAddr string
	health      *Health
	metrics     http.Handler
}

// NewServer creates a Server
func NewServer(healthAddr, metricsAddr string, h *Health, metrics http.Handler) *Server {
	return &Server{healthAddr: healthAddr, metricsAddr: metricsAddr, health: h, metrics: metrics}
}

// Start listens on the configured addresses and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if s.healthAddr != "" && s.health != nil {
		lis, err := net.Listen("tcp", s.healthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.healthAddr, err)
		}
		s.serveGRPC(ctx, lis)
	}

	if s.metricsAddr != "" && s.metrics != nil {
		lis, err := net.Listen("tcp", s.metricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.metricsAddr, err)
		}
		s.serveHTTP(ctx, lis)
	}
	return nil
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) {
	grpcServer := grpc.NewServer()
	s.health.Register(grpcServer)

	logging.Logger().Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logging.Logger().Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}()
}

// MetricsMux routes /metrics to handler
func MetricsMux(handler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return mux
}

func (s *Server) serveHTTP(ctx context.Context, lis net.Listener) {
	httpServer := &http.Server{
		Handler:           MetricsMux(s.metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Logger().Info("Starting metrics server", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger().Error("Metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Logger().Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}()
}
