package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// healthServicePrefix prefixes the per-tenant service names reported by the
// gRPC health service.
const healthServicePrefix = "indexsync.tenant."

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the health service and reflection. The returned health server
// reports "" as SERVING; per-tenant status is kept current by SyncHealth.
func NewGRPCServer(authToken string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			AuthInterceptor(authToken),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}

// SyncHealth reports each tenant's agent as SERVING while it pulses and
// NOT_SERVING while it is suspended or has no shards.
func (s *Server) SyncHealth(hs *health.Server) {
	for _, id := range s.tenantIDs() {
		st := s.tenants[id].Coordinator.Status()
		status := healthpb.HealthCheckResponse_SERVING
		if st.State != model.AgentStatePulsing || st.Assignment.IsEmpty() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(healthServicePrefix+id, status)
	}
}

// RunHealthSync calls SyncHealth every interval until ctx is done.
func (s *Server) RunHealthSync(ctx context.Context, hs *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.SyncHealth(hs)
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			s.SyncHealth(hs)
		}
	}
}
