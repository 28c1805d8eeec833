package grpc

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthFollowsProbes(t *testing.T) {
	var connected atomic.Bool
	connected.Store(true)
	s := NewHealthServer(map[string]Probe{"nats": connected.Load}, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	s.update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	connected.Store(false)
	s.update()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
