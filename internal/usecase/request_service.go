package usecase

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"worker-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTenantMismatch is returned when a request exists but belongs to another tenant.
var ErrTenantMismatch = errors.New("request belongs to another tenant")

// RequestService is the read side of the request store plus the worker view.
type RequestService struct {
	repo     domain.RequestRepository
	registry domain.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRequestService creates a new RequestService instance.
func NewRequestService(repo domain.RequestRepository, registry domain.Registry, logger *slog.Logger) *RequestService {
	return &RequestService{
		repo:     repo,
		registry: registry,
		logger:   logger.With("component", "request-service"),
		tracer:   otel.Tracer("worker-dispatch-usecase"),
	}
}

// Get returns one request of a tenant.
func (s *RequestService) Get(ctx context.Context, tenant, id string) (*domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("request.tenant", tenant), attribute.String("request.id", id))

	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrRequestNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to get request from repository")
		}
		return nil, err
	}
	if req.Tenant != tenant {
		return nil, ErrTenantMismatch
	}
	return req, nil
}

// ListByStatus returns up to limit requests of a tenant in status, oldest update first.
// A limit <= 0 means no limit.
func (s *RequestService) ListByStatus(ctx context.Context, tenant string, status domain.Status, limit int) ([]*domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListByStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.tenant", tenant),
		attribute.String("request.status", string(status)),
		attribute.Int("limit", limit),
	)

	reqs := make([]*domain.Request, 0)
	for req, err := range s.repo.FindByStatusAndTenant(ctx, status, tenant) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list requests from repository")
			return nil, err
		}
		reqs = append(reqs, req)
		if limit > 0 && len(reqs) == limit {
			break
		}
	}
	return reqs, nil
}

// Workers returns the registry's current view, sorted by worker type.
func (s *RequestService) Workers() []domain.WorkerTypeStatus {
	snap := s.registry.Snapshot()
	out := make([]domain.WorkerTypeStatus, 0, len(snap))
	for _, st := range snap {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.WorkerTypeStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
