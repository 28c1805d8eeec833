// Package grpc serves the standard gRPC health service for the dispatcher.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "worker-dispatch.Dispatcher"

// Probe reports whether a dependency is usable.
type Probe func() bool

// HealthServer reports SERVING while every probe passes.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	probes   map[string]Probe
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthServer creates a gRPC server with the health service registered.
func NewHealthServer(probes map[string]Probe, interval time.Duration, logger *slog.Logger) *HealthServer {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		server:   srv,
		health:   hs,
		probes:   probes,
		interval: interval,
		logger:   logger.With("component", "grpc-health"),
	}
}

// Serve listens on addr until ctx is cancelled.
func (s *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.update()
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info("gRPC health server listening", "address", addr)
	if err := s.server.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

func (s *HealthServer) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.update()
		}
	}
}

// update recomputes the serving status from the probes.
func (s *HealthServer) update() {
	status := healthpb.HealthCheckResponse_SERVING
	for name, probe := range s.probes {
		if !probe() {
			s.logger.Warn("dependency unhealthy", "dependency", name)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
