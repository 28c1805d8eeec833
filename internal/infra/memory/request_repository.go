// Package memory holds process-local implementations of the dispatch
// collaborators, used by tests and by single-node deployments.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"worker-dispatch/internal/domain"
)

type requestRepository struct {
	mu       sync.RWMutex
	requests map[string]*domain.Request
}

// NewRequestRepository creates an empty in-memory request repository.
func NewRequestRepository() domain.RequestRepository {
	return &requestRepository{requests: make(map[string]*domain.Request)}
}

func (r *requestRepository) Save(ctx context.Context, req *domain.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.requests[req.ID]
	switch {
	case req.Version == 0 && exists:
		return fmt.Errorf("%w: request %s already exists", domain.ErrConcurrentUpdate, req.ID)
	case req.Version != 0 && !exists:
		return fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, req.ID)
	case exists && stored.Version != req.Version:
		return fmt.Errorf("%w: request %s is at version %d, not %d", domain.ErrConcurrentUpdate, req.ID, stored.Version, req.Version)
	}

	req.Version++
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	return req.Clone(), nil
}

// collect copies matching requests under the read lock so that callers may
// save while ranging over the result.
func (r *requestRepository) collect(match func(*domain.Request) bool) []*domain.Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Request
	for _, req := range r.requests {
		if match(req) {
			out = append(out, req.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Request) int {
		if c := a.LastUpdateDate.Compare(b.LastUpdateDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func yieldAll(ctx context.Context, reqs []*domain.Request) iter.Seq2[*domain.Request, error] {
	return func(yield func(*domain.Request, error) bool) {
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}

func (r *requestRepository) FindByStatusAndTenant(ctx context.Context, status domain.Status, tenant string) iter.Seq2[*domain.Request, error] {
	return yieldAll(ctx, r.collect(func(req *domain.Request) bool {
		return req.Status == status && req.Tenant == tenant
	}))
}

func (r *requestRepository) FindStaleDispatched(ctx context.Context, olderThan time.Time) iter.Seq2[*domain.Request, error] {
	return yieldAll(ctx, r.collect(func(req *domain.Request) bool {
		return req.Status == domain.StatusDispatched && req.LastUpdateDate.Before(olderThan)
	}))
}

func (r *requestRepository) ListTenants(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tenants []string
	for _, req := range r.requests {
		if !slices.Contains(tenants, req.Tenant) {
			tenants = append(tenants, req.Tenant)
		}
	}
	slices.Sort(tenants)
	return tenants, nil
}
