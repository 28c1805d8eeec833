// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts query API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// IngestedRequestsTotal counts inbound requests by what ingestion did with them.
	IngestedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingested_requests_total",
			Help: "Total number of inbound requests, by result (accepted, duplicate, invalid, dead_letter).",
		},
		[]string{"result"},
	)

	// DispatchOutcomesTotal counts dispatch decisions.
	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Total number of dispatch decisions, by outcome and chosen worker type.",
		},
		[]string{"outcome", "worker_type"},
	)

	// HeartbeatsTotal counts heartbeats by whether they updated the registry.
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeats_total",
			Help: "Total number of worker heartbeats, by worker type and result (accepted, stale).",
		},
		[]string{"worker_type", "result"},
	)

	WorkerLiveInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_live_instances",
			Help: "Live worker instances per worker type as of the last registry snapshot.",
		},
		[]string{"worker_type"},
	)

	WorkerFreeCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_free_capacity",
			Help: "Advertised free capacity per worker type as of the last registry snapshot.",
		},
		[]string{"worker_type"},
	)

	// ResponsesTotal counts worker responses by reported status and handling result.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responses_total",
			Help: "Total number of worker responses, by status and result (applied, chained, duplicate, unknown).",
		},
		[]string{"status", "result"},
	)

	// RetryScannerTransitionsTotal counts requests moved by the retry scanner.
	RetryScannerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_scanner_transitions_total",
			Help: "Requests moved by the retry scanner, by kind (reoffered, lost_in_flight).",
		},
		[]string{"kind"},
	)

	// IsLeader marks whether this node currently runs the retry scanner.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
