// internal/domain/worker.go
package domain

import (
	"context"
	"time"
)

// Heartbeat is the periodic liveness and capacity report of one worker instance.
type Heartbeat struct {
	WorkerID     string    `json:"workerId" validate:"required"`
	WorkerType   string    `json:"workerType" validate:"required"`
	Capacity     int       `json:"capacity" validate:"gte=0"`           // max in-flight requests the instance accepts
	InFlight     int       `json:"inFlight,omitempty" validate:"gte=0"` // requests currently being processed
	ContentTypes []string  `json:"contentTypes,omitempty"`              // informational, never used for routing
	Timestamp    time.Time `json:"timestamp" validate:"required"`
}

// WorkerInstance is the in-memory view of one live worker process.
type WorkerInstance struct {
	WorkerID          string    `json:"worker_id"`
	WorkerType        string    `json:"worker_type"`
	LastHeartbeatDate time.Time `json:"last_heartbeat_date"`
	DeclaredCapacity  int       `json:"declared_capacity"`
	InFlight          int       `json:"in_flight"`
	ContentTypes      []string  `json:"content_types,omitempty"`
}

// FreeCapacity is the number of additional requests the instance advertised it can take.
func (w *WorkerInstance) FreeCapacity() int {
	if free := w.DeclaredCapacity - w.InFlight; free > 0 {
		return free
	}
	return 0
}

// WorkerTypeStatus aggregates the live instances of one worker type.
type WorkerTypeStatus struct {
	Name                 string   `json:"name"`
	LiveInstances        int      `json:"live_instances"`
	TotalFreeCapacity    int      `json:"total_free_capacity"`
	DeclaredContentTypes []string `json:"declared_content_types,omitempty"`
}

// Healthy reports whether at least one live instance remains.
func (s WorkerTypeStatus) Healthy() bool {
	return s.LiveInstances > 0
}

// Snapshot is a point-in-time view of worker liveness keyed by worker type.
type Snapshot map[string]WorkerTypeStatus

// Registry tracks worker liveness from the heartbeat stream.
type Registry interface {
	RecordHeartbeat(hb Heartbeat) bool
	Snapshot() Snapshot
}

// Router resolves a content type to its ordered candidate worker types.
type Router interface {
	Resolve(contentType string) []string
}

// Processor runs a forwarded request inside a worker process.
type Processor interface {
	Process(ctx context.Context, req *ForwardedRequest) (*ProcessResult, error)
}

// ProcessResult is what a processor hands back to the worker runtime.
type ProcessResult struct {
	Content         []byte
	NextContentType string
	Headers         map[string]string
}
