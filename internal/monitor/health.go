package monitor

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanalign/internal/monitoring"
)

// PipelineService is the health service name reported for the run.
const PipelineService = "scanalign.Pipeline"

// HealthServer exposes the standard gRPC health protocol. The overall
// server is SERVING for the lifetime of the process; PipelineService
// tracks whether a run is active.
type HealthServer struct {
	health *health.Server
	grpc   *grpc.Server
}

// NewHealthServer registers the health service on a new gRPC server.
func NewHealthServer() *HealthServer {
	h := &HealthServer{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(PipelineService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetRunning flips the pipeline service status.
func (h *HealthServer) SetRunning(running bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(PipelineService, st)
}

// Serve blocks serving on lis until Stop. Stopping first is not an error.
func (h *HealthServer) Serve(lis net.Listener) error {
	monitoring.Logf("[Monitor] gRPC health listening on %s", lis.Addr())
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks everything NOT_SERVING and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
