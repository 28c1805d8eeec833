package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// inboundHeaders is the validated view of an inbound message's transport headers.
type inboundHeaders struct {
	Tenant        string `validate:"required"`
	ContentType   string `validate:"required"`
	Source        string
	Session       string
	CorrelationID string
	Extra         map[string]string
}

// knownHeaders are consumed by ingestion; anything else travels with the request.
var knownHeaders = map[string]bool{
	domain.HeaderTenant:        true,
	domain.HeaderContentType:   true,
	domain.HeaderSource:        true,
	domain.HeaderSession:       true,
	domain.HeaderRequestID:     true,
	domain.HeaderCorrelationID: true,
	domain.HeaderDispatchCount: true,
}

func parseHeaders(h map[string]string) inboundHeaders {
	in := inboundHeaders{
		Tenant:      strings.TrimSpace(h[domain.HeaderTenant]),
		ContentType: strings.TrimSpace(h[domain.HeaderContentType]),
		Source:      h[domain.HeaderSource],
		Session:     h[domain.HeaderSession],
		// The caller's requestId is its correlation id; ours is assigned here.
		CorrelationID: h[domain.HeaderRequestID],
	}
	if in.CorrelationID == "" {
		in.CorrelationID = h[domain.HeaderCorrelationID]
	}
	for k, v := range h {
		if !knownHeaders[k] {
			if in.Extra == nil {
				in.Extra = map[string]string{}
			}
			in.Extra[k] = v
		}
	}
	return in
}

// Ingestor turns inbound bus messages into persisted requests.
type Ingestor struct {
	repo       domain.RequestRepository
	dedup      domain.Deduplicator
	dispatcher BatchDispatcher
	validate   *validator.Validate
	newID      func() string
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewIngestor creates an ingestor. dedup may be nil to disable correlation-id idempotency.
func NewIngestor(repo domain.RequestRepository, dedup domain.Deduplicator, dispatcher BatchDispatcher, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		repo:       repo,
		dedup:      dedup,
		dispatcher: dispatcher,
		validate:   validator.New(),
		newID:      uuid.NewString,
		now:        time.Now,
		logger:     logger.With("component", "ingestor"),
		tracer:     otel.Tracer("worker-dispatch-ingestor"),
	}
}

// Ingest persists an inbound message as a PENDING request and offers it to the
// dispatcher. Messages missing tenant or content type are stored as INVALID and
// never dispatched. A repeated (tenant, correlation id) returns the request
// created by the first submission.
func (i *Ingestor) Ingest(ctx context.Context, msg domain.InboundMessage) (*domain.Request, error) {
	ctx, span := i.tracer.Start(ctx, "ingestor.Ingest")
	defer span.End()

	h := parseHeaders(msg.Headers)
	now := i.now()
	req := &domain.Request{
		ID:             i.newID(),
		CorrelationID:  h.CorrelationID,
		Tenant:         h.Tenant,
		Source:         h.Source,
		Session:        h.Session,
		ContentType:    h.ContentType,
		Payload:        msg.Body,
		Headers:        h.Extra,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		LastUpdateDate: now,
	}
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.tenant", req.Tenant),
		attribute.String("request.content_type", req.ContentType),
	)

	if err := i.validate.Struct(h); err != nil {
		return i.rejectMalformed(ctx, span, req, fmt.Sprintf("malformed headers: %v", err))
	}

	claimed := false
	if h.CorrelationID != "" && i.dedup != nil {
		owner, created, err := i.dedup.Claim(ctx, h.Tenant, h.CorrelationID, req.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dedup claim failed")
			return nil, fmt.Errorf("failed to claim correlation id %s: %w", h.CorrelationID, err)
		}
		if !created {
			existing, err := i.repo.FindByID(ctx, owner)
			switch {
			case err == nil:
				i.logger.Info("duplicate submission, returning existing request",
					"tenant", h.Tenant, "correlation_id", h.CorrelationID, "request_id", owner)
				metrics.IngestedRequestsTotal.WithLabelValues("duplicate").Inc()
				return existing, nil
			case errors.Is(err, domain.ErrRequestNotFound):
				// The first submission claimed the id but never persisted; finish it under that id.
				req.ID = owner
			default:
				return nil, fmt.Errorf("failed to load request %s for duplicate submission: %w", owner, err)
			}
		}
		claimed = true
	}

	if err := i.repo.Save(ctx, req); err != nil {
		if claimed && errors.Is(err, domain.ErrConcurrentUpdate) {
			// A concurrent duplicate finished this claim first; the claim is
			// backed by a stored request and must stay.
			existing, ferr := i.repo.FindByID(ctx, req.ID)
			if ferr != nil {
				return nil, fmt.Errorf("failed to load request %s after concurrent submission: %w", req.ID, ferr)
			}
			i.logger.Info("duplicate submission won the race, returning its request",
				"tenant", h.Tenant, "correlation_id", h.CorrelationID, "request_id", req.ID)
			metrics.IngestedRequestsTotal.WithLabelValues("duplicate").Inc()
			return existing, nil
		}
		if claimed {
			if rerr := i.dedup.Release(ctx, h.Tenant, h.CorrelationID); rerr != nil {
				i.logger.Warn("failed to release correlation id", "correlation_id", h.CorrelationID, "error", rerr)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist request")
		return nil, fmt.Errorf("failed to persist request %s: %w", req.ID, err)
	}
	metrics.IngestedRequestsTotal.WithLabelValues("accepted").Inc()
	i.logger.Debug("request accepted", "request_id", req.ID, "tenant", req.Tenant, "content_type", req.ContentType)

	if i.dispatcher != nil {
		i.dispatcher.DispatchBatch(ctx, []*domain.Request{req})
	}
	return req, nil
}

func (i *Ingestor) rejectMalformed(ctx context.Context, span trace.Span, req *domain.Request, reason string) (*domain.Request, error) {
	if req.Tenant == "" {
		req.Tenant = domain.UnknownTenant
	}
	if err := req.Invalidate(reason, i.now()); err != nil {
		return nil, err
	}
	if err := i.repo.Save(ctx, req); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to persist invalid request %s: %w", req.ID, err)
	}
	metrics.IngestedRequestsTotal.WithLabelValues("invalid").Inc()
	i.logger.Warn("inbound request rejected", "request_id", req.ID, "tenant", req.Tenant, "reason", reason)
	return req, nil
}

// DeadLetter records a message the broker could not deliver. When it names a
// known request that request is invalidated; otherwise a new INVALID record is
// created from whatever headers are readable. Nothing here is retried.
func (i *Ingestor) DeadLetter(ctx context.Context, msg domain.InboundMessage) (*domain.Request, error) {
	ctx, span := i.tracer.Start(ctx, "ingestor.DeadLetter")
	defer span.End()
	metrics.IngestedRequestsTotal.WithLabelValues("dead_letter").Inc()

	const reason = "dead-lettered: broker could not deliver the message"
	h := parseHeaders(msg.Headers)
	existing, err := i.findDeadLettered(ctx, msg.Headers[domain.HeaderRequestID], h)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if existing != nil {
		if existing.Status.IsTerminal() {
			i.logger.Error("dead letter for finished request ignored", "request_id", existing.ID, "status", existing.Status)
			return existing, nil
		}
		if err := existing.Invalidate(reason, i.now()); err != nil {
			return nil, err
		}
		if err := i.repo.Save(ctx, existing); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to invalidate dead-lettered request %s: %w", existing.ID, err)
		}
		i.logger.Error("request dead-lettered", "request_id", existing.ID, "tenant", existing.Tenant)
		return existing, nil
	}

	now := i.now()
	req := &domain.Request{
		ID:             i.newID(),
		CorrelationID:  h.CorrelationID,
		Tenant:         h.Tenant,
		Source:         h.Source,
		Session:        h.Session,
		ContentType:    h.ContentType,
		Payload:        msg.Body,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		LastUpdateDate: now,
	}
	if req.Tenant == "" {
		req.Tenant = domain.UnknownTenant
	}
	if err := req.Invalidate(reason, now); err != nil {
		return nil, err
	}
	if err := i.repo.Save(ctx, req); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record dead letter: %w", err)
	}
	i.logger.Error("dead letter recorded", "request_id", req.ID, "tenant", req.Tenant, "content_type", req.ContentType)
	return req, nil
}

// findDeadLettered locates the stored request a dead letter refers to. The
// requestId header is tried first as an engine id, which is what forwarded
// messages carry, then as the caller's correlation id, which is what inbound
// submissions carry. It returns nil when neither matches.
func (i *Ingestor) findDeadLettered(ctx context.Context, requestID string, h inboundHeaders) (*domain.Request, error) {
	if requestID != "" {
		req, err := i.repo.FindByID(ctx, requestID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, domain.ErrRequestNotFound) {
			return nil, fmt.Errorf("failed to load dead-lettered request %s: %w", requestID, err)
		}
	}
	if h.CorrelationID == "" || h.Tenant == "" || i.dedup == nil {
		return nil, nil
	}
	owner, found, err := i.dedup.Owner(ctx, h.Tenant, h.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up correlation id %s: %w", h.CorrelationID, err)
	}
	if !found {
		return nil, nil
	}
	req, err := i.repo.FindByID(ctx, owner)
	if errors.Is(err, domain.ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead-lettered request %s: %w", owner, err)
	}
	return req, nil
}
