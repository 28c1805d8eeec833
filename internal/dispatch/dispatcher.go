// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BatchDispatcher is what the ingestion, response and retry paths hand PENDING requests to.
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, reqs []*domain.Request) []domain.Outcome
}

// Dispatcher routes PENDING requests to a worker type with free capacity.
//
// It holds no state of its own: every decision is a function of the request,
// the current route table and a fresh registry snapshot, so any number of
// dispatchers may run concurrently over partitions of the request stream.
// Capacity is advisory. Forwarding does not reserve a slot; the next
// heartbeat reports the worker's real load.
type Dispatcher struct {
	router    domain.Router
	registry  domain.Registry
	publisher domain.Publisher
	repo      domain.RequestRepository
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDispatcher creates a new request dispatcher.
func NewDispatcher(router domain.Router, registry domain.Registry, publisher domain.Publisher, repo domain.RequestRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		router:    router,
		registry:  registry,
		publisher: publisher,
		repo:      repo,
		now:       time.Now,
		logger:    logger.With("component", "dispatcher"),
		tracer:    otel.Tracer("worker-dispatch-dispatcher"),
	}
}

// DispatchBatch decides, forwards and persists each request in turn. Requests
// are updated in place; one outcome is returned per request, in order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []*domain.Request) []domain.Outcome {
	outcomes := make([]domain.Outcome, 0, len(reqs))
	for _, req := range reqs {
		outcome := d.dispatch(ctx, req)
		metrics.DispatchOutcomesTotal.WithLabelValues(string(outcome.Kind), outcome.WorkerType).Inc()
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (d *Dispatcher) dispatch(ctx context.Context, req *domain.Request) domain.Outcome {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.tenant", req.Tenant),
		attribute.String("request.content_type", req.ContentType),
	))
	defer span.End()

	logger := d.logger.With("request_id", req.ID, "tenant", req.Tenant, "content_type", req.ContentType)
	outcome := domain.Outcome{RequestID: req.ID}

	if req.Status != domain.StatusPending {
		outcome.Kind = domain.OutcomeSkipped
		outcome.Err = fmt.Errorf("%w: request %s is %s, not %s", domain.ErrInvalidTransition, req.ID, req.Status, domain.StatusPending)
		return outcome
	}

	// 1. Routing. An unmapped content type can only be fixed by an operator, so fail fast.
	candidates := d.router.Resolve(req.ContentType)
	if len(candidates) == 0 {
		if err := req.Invalidate("no worker type is mapped for content type "+req.ContentType, d.now()); err != nil {
			return d.skip(span, outcome, err)
		}
		if err := d.repo.Save(ctx, req); err != nil {
			return d.skip(span, outcome, fmt.Errorf("failed to persist invalid request: %w", err))
		}
		logger.Warn("no route for content type, request marked invalid")
		outcome.Kind = domain.OutcomeInvalid
		return outcome
	}

	// 2. Capacity: first candidate in preference order with free capacity wins.
	workerType, ok := selectWorkerType(candidates, d.registry.Snapshot())
	if !ok {
		logger.Debug("no worker with free capacity", "candidates", candidates)
		return d.park(ctx, span, req, outcome, nil)
	}
	span.SetAttributes(attribute.String("dispatch.worker_type", workerType))

	// 3. Forward, then persist. A crash between the two re-forwards the request
	// later; workers must tolerate redelivery.
	fwd := forwarded(req, req.DispatchCount+1)
	if err := d.publisher.Forward(ctx, workerType, fwd); err != nil {
		logger.Error("failed to forward request, deferring", "worker_type", workerType, "error", err)
		span.RecordError(err)
		return d.park(ctx, span, req, outcome, fmt.Errorf("failed to forward request to %s: %w", workerType, err))
	}

	if err := req.Transition(domain.StatusDispatched, d.now()); err != nil {
		return d.skip(span, outcome, err)
	}
	req.DispatchCount++
	req.WorkerType = workerType
	outcome.Kind = domain.OutcomeForwarded
	outcome.WorkerType = workerType

	if err := d.repo.Save(ctx, req); err != nil {
		// The message is already on the bus; the response handler will find
		// whatever state wins and reject the transition if it is stale.
		logger.Error("request forwarded but state not persisted", "worker_type", workerType, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist dispatched state")
		outcome.Err = fmt.Errorf("failed to persist dispatched request: %w", err)
		return outcome
	}
	logger.Info("request dispatched", "worker_type", workerType, "dispatch_count", req.DispatchCount)
	return outcome
}

// park moves the request to NO_WORKER_AVAILABLE without counting a delivery attempt.
func (d *Dispatcher) park(ctx context.Context, span trace.Span, req *domain.Request, outcome domain.Outcome, cause error) domain.Outcome {
	if err := req.Transition(domain.StatusNoWorkerAvailable, d.now()); err != nil {
		return d.skip(span, outcome, err)
	}
	if err := d.repo.Save(ctx, req); err != nil {
		return d.skip(span, outcome, fmt.Errorf("failed to persist deferred request: %w", err))
	}
	outcome.Kind = domain.OutcomeNoWorkerAvailable
	outcome.Err = cause
	return outcome
}

func (d *Dispatcher) skip(span trace.Span, outcome domain.Outcome, err error) domain.Outcome {
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		d.logger.Info("request changed concurrently, dispatch decision dropped", "request_id", outcome.RequestID)
	} else {
		d.logger.Error("dispatch failed", "request_id", outcome.RequestID, "error", err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	span.RecordError(err)
	outcome.Kind = domain.OutcomeSkipped
	outcome.Err = err
	return outcome
}

func selectWorkerType(candidates []string, snap domain.Snapshot) (string, bool) {
	for _, wt := range candidates {
		if snap[wt].TotalFreeCapacity > 0 {
			return wt, true
		}
	}
	return "", false
}

func forwarded(req *domain.Request, dispatchCount int) *domain.ForwardedRequest {
	return &domain.ForwardedRequest{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Tenant:        req.Tenant,
		Source:        req.Source,
		Session:       req.Session,
		ContentType:   req.ContentType,
		DispatchCount: dispatchCount,
		Headers:       req.Headers,
		Payload:       req.Payload,
	}
}
