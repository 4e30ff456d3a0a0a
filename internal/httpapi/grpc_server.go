package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sacristy.org/internal/obs"
)

// HealthServer exposes readiness over the standard gRPC health protocol,
// both for the whole server ("") and under the service name.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

// NewHealthServer creates a health service backed by the readiness probe.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.Server)
}

// Refresh runs the readiness probe once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
	}
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
}

// Run refreshes the status every interval until ctx ends, then marks
// the server as shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}
