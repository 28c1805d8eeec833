// internal/scheduler/retry_scanner.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"worker-dispatch/internal/dispatch"
	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryScanner re-offers parked requests to the dispatcher.
//
// A scan first moves DISPATCHED requests older than the dispatch timeout to
// NO_WORKER_AVAILABLE, then walks tenants one at a time, moving every
// NO_WORKER_AVAILABLE request older than the retry backoff back to PENDING.
// PENDING requests untouched for longer than the backoff are re-offered too:
// they were stored but their dispatch never recorded a decision (a failed
// save after forwarding, or a crash before the dispatcher ran).
type RetryScanner struct {
	repo            domain.RequestRepository
	dispatcher      dispatch.BatchDispatcher
	locker          domain.Locker
	retryBackoff    time.Duration
	dispatchTimeout time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewRetryScanner creates a scanner. dispatcher and locker may be nil: without
// a dispatcher re-offered requests are left PENDING, without a locker tenants
// are scanned unguarded.
func NewRetryScanner(repo domain.RequestRepository, dispatcher dispatch.BatchDispatcher, locker domain.Locker, retryBackoff, dispatchTimeout time.Duration, logger *slog.Logger) *RetryScanner {
	return &RetryScanner{
		repo:            repo,
		dispatcher:      dispatcher,
		locker:          locker,
		retryBackoff:    retryBackoff,
		dispatchTimeout: dispatchTimeout,
		logger:          logger.With("component", "retry-scanner"),
		tracer:          otel.Tracer("worker-dispatch-scheduler"),
	}
}

// Scan runs one sweep as of now and returns the requests it offered to the
// dispatcher. Errors from individual tenants are joined into the returned error;
// they never stop other tenants from being scanned.
func (s *RetryScanner) Scan(ctx context.Context, now time.Time) ([]*domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "scanner.Scan")
	defer span.End()

	var errs []error
	if err := s.sweepLostInFlight(ctx, now); err != nil {
		errs = append(errs, err)
	}

	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tenants")
		return nil, errors.Join(append(errs, fmt.Errorf("failed to list tenants: %w", err))...)
	}

	var reoffered []*domain.Request
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		moved, err := s.scanTenant(ctx, tenant, now)
		if err != nil {
			s.logger.Error("tenant scan failed", "tenant", tenant, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
		reoffered = append(reoffered, moved...)
	}

	span.SetAttributes(attribute.Int("scanner.reoffered", len(reoffered)))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return reoffered, err
	}
	return reoffered, nil
}

// sweepLostInFlight parks requests whose worker never answered.
func (s *RetryScanner) sweepLostInFlight(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.dispatchTimeout)
	var lost int
	for req, err := range s.repo.FindStaleDispatched(ctx, cutoff) {
		if err != nil {
			return fmt.Errorf("failed to find stale dispatched requests: %w", err)
		}
		if err := req.Transition(domain.StatusNoWorkerAvailable, now); err != nil {
			continue
		}
		if err := s.repo.Save(ctx, req); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				// The response arrived while we were looking.
				continue
			}
			return fmt.Errorf("failed to park lost request %s: %w", req.ID, err)
		}
		lost++
		metrics.RetryScannerTransitionsTotal.WithLabelValues("lost_in_flight").Inc()
		s.logger.Warn("request lost in flight, parked for retry",
			"request_id", req.ID, "tenant", req.Tenant, "worker_type", req.WorkerType, "dispatch_count", req.DispatchCount)
	}
	if lost > 0 {
		s.logger.Info("lost-in-flight sweep finished", "parked", lost)
	}
	return nil
}

func (s *RetryScanner) scanTenant(ctx context.Context, tenant string, now time.Time) ([]*domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "scanner.ScanTenant", trace.WithAttributes(attribute.String("request.tenant", tenant)))
	defer span.End()

	if s.locker != nil {
		lock, err := s.locker.TryLock(ctx, "scan/"+tenant)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			s.logger.Debug("tenant scan already running elsewhere", "tenant", tenant)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release tenant scan lock", "tenant", tenant, "error", err)
			}
		}()
	}

	cutoff := now.Add(-s.retryBackoff)
	moved, err := s.strandedPending(ctx, tenant, cutoff)
	if err != nil {
		return nil, err
	}
	for req, err := range s.repo.FindByStatusAndTenant(ctx, domain.StatusNoWorkerAvailable, tenant) {
		if err != nil {
			return moved, err
		}
		if !req.LastUpdateDate.Before(cutoff) {
			continue
		}
		if err := req.Transition(domain.StatusPending, now); err != nil {
			continue
		}
		if err := s.repo.Save(ctx, req); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				continue
			}
			return moved, fmt.Errorf("failed to re-offer request %s: %w", req.ID, err)
		}
		metrics.RetryScannerTransitionsTotal.WithLabelValues("reoffered").Inc()
		moved = append(moved, req)
	}

	if len(moved) > 0 {
		s.logger.Info("re-offering parked requests", "tenant", tenant, "count", len(moved))
		if s.dispatcher != nil {
			s.dispatcher.DispatchBatch(ctx, moved)
		}
	}
	return moved, nil
}

// strandedPending returns PENDING requests of tenant last updated before cutoff.
// They are handed to the dispatcher as they are; its versioned save settles any
// race with a dispatch already in progress.
func (s *RetryScanner) strandedPending(ctx context.Context, tenant string, cutoff time.Time) ([]*domain.Request, error) {
	var stranded []*domain.Request
	for req, err := range s.repo.FindByStatusAndTenant(ctx, domain.StatusPending, tenant) {
		if err != nil {
			return nil, err
		}
		if !req.LastUpdateDate.Before(cutoff) {
			continue
		}
		metrics.RetryScannerTransitionsTotal.WithLabelValues("stranded").Inc()
		s.logger.Warn("pending request was never dispatched, re-offering",
			"request_id", req.ID, "tenant", tenant, "dispatch_count", req.DispatchCount)
		stranded = append(stranded, req)
	}
	return stranded, nil
}
