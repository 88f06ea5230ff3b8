// Package grpchealth serves the standard gRPC health protocol, reflecting
// the same dependency checks as the HTTP readiness endpoint.
package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/speech-gateway/internal/observability"
)

// ServiceName is the service reported alongside the overall ("") status
const ServiceName = "speech.gateway.v1.Synthesis"

// Server is a gRPC server exposing only the health service
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]observability.HealthCheckFunc
	interval time.Duration
	logger   zerolog.Logger
}

// New creates the server. checks are evaluated every interval.
func New(checks map[string]observability.HealthCheckFunc, interval time.Duration, logger zerolog.Logger) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		checks:   checks,
		interval: interval,
		logger:   logger.With().Str("component", "grpc-health").Logger(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve listens on addr and blocks until ctx is done or serving fails
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Refresh evaluates the checks once and publishes the result
func (s *Server) Refresh(ctx context.Context) bool {
	statuses, ready := observability.CheckDependencies(ctx, s.checks)
	if ready {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		for name, st := range statuses {
			if st.Status != "healthy" {
				s.logger.Debug().Str("dependency", name).Str("message", st.Message).Msg("Dependency not ready")
			}
		}
	}
	return ready
}

func (s *Server) watch(ctx context.Context) {
	s.Refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
