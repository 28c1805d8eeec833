package domain

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrRequestNotFound is a sentinel error returned when a request is not found.
	ErrRequestNotFound = errors.New("request not found")
	// ErrConcurrentUpdate is returned when a save loses an optimistic concurrency race.
	ErrConcurrentUpdate = errors.New("request was modified concurrently")
	// ErrInvalidTransition is returned when the state machine forbids a status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// UnknownTenant owns requests whose inbound headers carried no tenant.
const UnknownTenant = "_unknown"

// RequestRepository defines the persistence contract the dispatch core relies on.
type RequestRepository interface {
	// Save creates (Version == 0) or updates a request. Updates only succeed when
	// the stored version equals r.Version, otherwise ErrConcurrentUpdate is returned.
	// On success r.Version is incremented.
	Save(ctx context.Context, r *Request) error
	FindByID(ctx context.Context, id string) (*Request, error)
	// FindByStatusAndTenant yields every request of a tenant currently in status.
	FindByStatusAndTenant(ctx context.Context, status Status, tenant string) iter.Seq2[*Request, error]
	// FindStaleDispatched yields DISPATCHED requests last updated before olderThan.
	FindStaleDispatched(ctx context.Context, olderThan time.Time) iter.Seq2[*Request, error]
	// ListTenants returns every tenant that owns at least one request.
	ListTenants(ctx context.Context) ([]string, error)
}
