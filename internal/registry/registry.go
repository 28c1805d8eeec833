// Package registry tracks live worker instances from their heartbeat stream.
//
// Instances live only in memory: after a restart the registry is rebuilt from
// the next round of heartbeats, so the only loss is a liveness gap bounded by
// the heartbeat timeout.
package registry

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"
)

// HeartbeatRegistry is safe for any number of concurrent RecordHeartbeat and
// Snapshot callers. Writers never block readers: each worker id holds an
// immutable *domain.WorkerInstance that is replaced with compare-and-swap.
type HeartbeatRegistry struct {
	workers sync.Map // workerID -> *domain.WorkerInstance
	types   sync.Map // worker type name -> struct{}
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a HeartbeatRegistry.
type Option func(*HeartbeatRegistry)

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *HeartbeatRegistry) { r.now = now }
}

// New creates a registry that treats instances silent for longer than timeout as dead.
func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *HeartbeatRegistry {
	r := &HeartbeatRegistry{
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With("component", "heartbeat-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ domain.Registry = (*HeartbeatRegistry)(nil)

// RecordHeartbeat upserts the instance described by hb. A heartbeat that is not
// newer than the one already held for the same worker id is discarded and
// false is returned; that is expected under out-of-order delivery, not an error.
func (r *HeartbeatRegistry) RecordHeartbeat(hb domain.Heartbeat) bool {
	next := &domain.WorkerInstance{
		WorkerID:          hb.WorkerID,
		WorkerType:        hb.WorkerType,
		LastHeartbeatDate: hb.Timestamp,
		DeclaredCapacity:  max(hb.Capacity, 0),
		InFlight:          max(hb.InFlight, 0),
		ContentTypes:      slices.Clone(hb.ContentTypes),
	}
	r.types.Store(hb.WorkerType, struct{}{})

	for {
		cur, loaded := r.workers.LoadOrStore(hb.WorkerID, next)
		if !loaded {
			r.logger.Info("new worker discovered", "worker_id", hb.WorkerID, "worker_type", hb.WorkerType, "capacity", hb.Capacity)
			metrics.HeartbeatsTotal.WithLabelValues(hb.WorkerType, "accepted").Inc()
			return true
		}
		prev := cur.(*domain.WorkerInstance)
		if !hb.Timestamp.After(prev.LastHeartbeatDate) {
			r.logger.Debug("discarding out-of-order heartbeat", "worker_id", hb.WorkerID,
				"timestamp", hb.Timestamp, "latest", prev.LastHeartbeatDate)
			metrics.HeartbeatsTotal.WithLabelValues(hb.WorkerType, "stale").Inc()
			return false
		}
		if r.workers.CompareAndSwap(hb.WorkerID, prev, next) {
			metrics.HeartbeatsTotal.WithLabelValues(hb.WorkerType, "accepted").Inc()
			return true
		}
		// Lost a race with another writer for the same worker; re-evaluate against the winner.
	}
}

// RegisterTypes makes worker types known before any heartbeat mentions them,
// so they are reported as unhealthy rather than absent.
func (r *HeartbeatRegistry) RegisterTypes(names ...string) {
	for _, n := range names {
		r.types.Store(n, struct{}{})
	}
}

// EvictStale drops every instance whose last heartbeat is older than the timeout at now.
// It returns the number of evicted instances.
func (r *HeartbeatRegistry) EvictStale(now time.Time) int {
	evicted := 0
	r.workers.Range(func(key, value any) bool {
		w := value.(*domain.WorkerInstance)
		if now.Sub(w.LastHeartbeatDate) > r.timeout && r.workers.CompareAndDelete(key, value) {
			evicted++
			r.logger.Info("worker expired", "worker_id", w.WorkerID, "worker_type", w.WorkerType,
				"last_heartbeat", w.LastHeartbeatDate)
		}
		return true
	})
	return evicted
}

// Snapshot evicts stale instances and returns per-type liveness and free capacity.
// Every known worker type appears, with zero live instances when it is unhealthy.
func (r *HeartbeatRegistry) Snapshot() domain.Snapshot {
	r.EvictStale(r.now())

	snap := domain.Snapshot{}
	r.types.Range(func(key, _ any) bool {
		name := key.(string)
		snap[name] = domain.WorkerTypeStatus{Name: name}
		return true
	})

	declared := map[string][]string{}
	r.workers.Range(func(_, value any) bool {
		w := value.(*domain.WorkerInstance)
		st := snap[w.WorkerType]
		st.Name = w.WorkerType
		st.LiveInstances++
		st.TotalFreeCapacity += w.FreeCapacity()
		snap[w.WorkerType] = st
		for _, ct := range w.ContentTypes {
			if !slices.Contains(declared[w.WorkerType], ct) {
				declared[w.WorkerType] = append(declared[w.WorkerType], ct)
			}
		}
		return true
	})

	for name, st := range snap {
		if cts := declared[name]; len(cts) > 0 {
			slices.Sort(cts)
			st.DeclaredContentTypes = cts
			snap[name] = st
		}
		metrics.WorkerLiveInstances.WithLabelValues(name).Set(float64(st.LiveInstances))
		metrics.WorkerFreeCapacity.WithLabelValues(name).Set(float64(st.TotalFreeCapacity))
	}
	return snap
}

// Instances returns the live instances sorted by worker id.
func (r *HeartbeatRegistry) Instances() []domain.WorkerInstance {
	r.EvictStale(r.now())

	var out []domain.WorkerInstance
	r.workers.Range(func(_, value any) bool {
		out = append(out, *value.(*domain.WorkerInstance))
		return true
	})
	slices.SortFunc(out, func(a, b domain.WorkerInstance) int {
		return strings.Compare(a.WorkerID, b.WorkerID)
	})
	return out
}
