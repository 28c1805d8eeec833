// internal/worker/heartbeat.go
package worker

import (
	"context"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"
)

// HeartbeatPublisher sends heartbeats to the dispatchers.
type HeartbeatPublisher interface {
	PublishHeartbeat(hb domain.Heartbeat) error
}

// Heartbeater announces a worker instance's liveness and free capacity.
// Stopping it simply lets the instance age out of the dispatchers' registries.
type Heartbeater struct {
	publisher    HeartbeatPublisher
	workerID     string
	workerType   string
	capacity     int
	contentTypes []string
	interval     time.Duration
	inFlight     func() int
	now          func() time.Time
	logger       *slog.Logger
}

// NewHeartbeater creates a heartbeater. inFlight reports the requests currently being processed.
func NewHeartbeater(publisher HeartbeatPublisher, workerID, workerType string, capacity int, contentTypes []string, interval time.Duration, inFlight func() int, logger *slog.Logger) *Heartbeater {
	return &Heartbeater{
		publisher:    publisher,
		workerID:     workerID,
		workerType:   workerType,
		capacity:     capacity,
		contentTypes: contentTypes,
		interval:     interval,
		inFlight:     inFlight,
		now:          time.Now,
		logger:       logger.With("component", "heartbeater", "worker_id", workerID),
	}
}

// Run beats once immediately and then every interval until ctx is cancelled.
func (h *Heartbeater) Run(ctx context.Context) {
	h.logger.Info("heartbeating", "worker_type", h.workerType, "capacity", h.capacity, "interval", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.beat()
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeats stopped")
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeater) beat() {
	hb := domain.Heartbeat{
		WorkerID:     h.workerID,
		WorkerType:   h.workerType,
		Capacity:     h.capacity,
		InFlight:     h.inFlight(),
		ContentTypes: h.contentTypes,
		Timestamp:    h.now(),
	}
	if err := h.publisher.PublishHeartbeat(hb); err != nil {
		h.logger.Warn("failed to publish heartbeat", "error", err)
		return
	}
	h.logger.Debug("heartbeat sent", "in_flight", hb.InFlight)
}
