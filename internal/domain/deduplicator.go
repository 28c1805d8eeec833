package domain

import "context"

// Deduplicator makes ingestion idempotent per (tenant, correlation id).
type Deduplicator interface {
	// Claim binds key to requestID unless it is already bound. It returns the
	// request id currently bound to the key and whether this call created the binding.
	Claim(ctx context.Context, tenant, correlationID, requestID string) (owner string, created bool, err error)
	// Owner returns the request id bound to the key, if any.
	Owner(ctx context.Context, tenant, correlationID string) (owner string, found bool, err error)
	// Release drops a binding, used when persisting the claimed request failed.
	Release(ctx context.Context, tenant, correlationID string) error
}
