package server

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// Health serves the standard gRPC health protocol. The overall server is
// always SERVING; MonitorService follows the monitor state.
type Health struct {
	srv    *grpc.Server
	health *health.Server
}

// NewHealth creates the gRPC server with the health service registered.
func NewHealth() *Health {
	hs := health.NewServer()
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(trace.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(trace.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(MonitorService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{srv: gs, health: hs}
}

// SetRunning updates MonitorService.
func (h *Health) SetRunning(on bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if on {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(MonitorService, status)
}

// Serve accepts connections on lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	return h.srv.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
