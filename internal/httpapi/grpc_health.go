package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "soundboard"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer exposes readiness over the standard gRPC health protocol so
// orchestrators can probe the control plane without HTTP.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	log       *zap.Logger
}

func NewHealthServer(r readinessChecker, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthServer{srv: health.NewServer(), readiness: r, log: log}
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness check once and publishes the result for both the
// overall server and the named service.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.readiness.Check(ctx); err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
	return status
}

// Sync refreshes every interval until ctx ends, then marks everything as
// not serving.
func (h *HealthServer) Sync(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}
