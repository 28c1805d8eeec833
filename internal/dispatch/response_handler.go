package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResponseHandler applies worker completion responses to stored requests.
type ResponseHandler struct {
	repo       domain.RequestRepository
	dispatcher BatchDispatcher
	// chainResetsCount gives each chained stage a fresh dispatchCount.
	chainResetsCount bool
	now              func() time.Time
	logger           *slog.Logger
	tracer           trace.Tracer
}

// NewResponseHandler creates a handler. Chained requests are handed straight
// back to dispatcher; a nil dispatcher leaves them PENDING for another consumer.
func NewResponseHandler(repo domain.RequestRepository, dispatcher BatchDispatcher, chainResetsCount bool, logger *slog.Logger) *ResponseHandler {
	return &ResponseHandler{
		repo:             repo,
		dispatcher:       dispatcher,
		chainResetsCount: chainResetsCount,
		now:              time.Now,
		logger:           logger.With("component", "response-handler"),
		tracer:           otel.Tracer("worker-dispatch-response-handler"),
	}
}

// HandleResponse moves a DISPATCHED request to SUCCESS, ERROR or, when the
// response names a next content type, back to PENDING under that type.
//
// Responses for unknown requests, or for requests no longer DISPATCHED, are
// logged and discarded: redelivery is expected under at-least-once delivery.
// In that case the returned request is the current stored state (nil when unknown).
func (h *ResponseHandler) HandleResponse(ctx context.Context, resp *domain.WorkerResponse) (*domain.Request, error) {
	ctx, span := h.tracer.Start(ctx, "responses.Handle", trace.WithAttributes(
		attribute.String("request.id", resp.RequestID),
		attribute.String("response.status", string(resp.Status)),
	))
	defer span.End()

	if resp.RequestID == "" {
		return nil, fmt.Errorf("%w: response without request id", domain.ErrMalformedMessage)
	}
	if resp.Status != domain.ResponseSuccess && resp.Status != domain.ResponseError {
		return nil, fmt.Errorf("%w: unknown response status %q", domain.ErrMalformedMessage, resp.Status)
	}
	logger := h.logger.With("request_id", resp.RequestID, "status", resp.Status)

	req, err := h.repo.FindByID(ctx, resp.RequestID)
	if errors.Is(err, domain.ErrRequestNotFound) {
		logger.Info("response for unknown request discarded")
		metrics.ResponsesTotal.WithLabelValues(string(resp.Status), "unknown").Inc()
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load request")
		return nil, fmt.Errorf("failed to load request %s: %w", resp.RequestID, err)
	}
	if req.Status != domain.StatusDispatched {
		logger.Info("stale or duplicate response discarded", "current_status", req.Status)
		metrics.ResponsesTotal.WithLabelValues(string(resp.Status), "duplicate").Inc()
		return req, nil
	}

	chained, err := h.apply(req, resp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := h.repo.Save(ctx, req); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			// Another consumer applied a response for the same request first.
			logger.Info("response lost race with a concurrent transition, discarded")
			metrics.ResponsesTotal.WithLabelValues(string(resp.Status), "duplicate").Inc()
			return h.repo.FindByID(ctx, req.ID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist response")
		return nil, fmt.Errorf("failed to persist response for request %s: %w", req.ID, err)
	}

	if !chained {
		metrics.ResponsesTotal.WithLabelValues(string(resp.Status), "applied").Inc()
		logger.Info("request completed", "final_status", req.Status)
		return req, nil
	}

	metrics.ResponsesTotal.WithLabelValues(string(resp.Status), "chained").Inc()
	logger.Info("request chained to next stage", "next_content_type", req.ContentType)
	if h.dispatcher != nil {
		h.dispatcher.DispatchBatch(ctx, []*domain.Request{req})
	}
	return req, nil
}

// apply mutates req according to resp and reports whether it chained.
func (h *ResponseHandler) apply(req *domain.Request, resp *domain.WorkerResponse) (bool, error) {
	now := h.now()
	req.Messages = append(req.Messages, resp.Messages...)

	if resp.Status == domain.ResponseError {
		return false, req.Transition(domain.StatusError, now)
	}

	next := resp.NextContentType()
	if next == "" {
		req.Result = resp.Content
		return false, req.Transition(domain.StatusSuccess, now)
	}

	if err := req.Transition(domain.StatusPending, now); err != nil {
		return false, err
	}
	req.ContentType = next
	if resp.Content != nil {
		req.Payload = resp.Content
	}
	if h.chainResetsCount {
		req.DispatchCount = 0
	}
	propagated := maps.Clone(resp.AdditionalHeaders)
	delete(propagated, domain.HeaderNextContentType)
	if len(propagated) > 0 {
		if req.Headers == nil {
			req.Headers = make(map[string]string, len(propagated))
		}
		maps.Copy(req.Headers, propagated)
	}
	return true, nil
}
