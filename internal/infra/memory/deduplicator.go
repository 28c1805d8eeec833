package memory

import (
	"context"
	"sync"
	"time"

	"worker-dispatch/internal/domain"
)

type claim struct {
	requestID string
	expires   time.Time
}

type deduplicator struct {
	mu        sync.Mutex
	claims    map[string]claim
	ttl       time.Duration
	nextSweep time.Time
	now       func() time.Time
}

// NewDeduplicator creates a process-local deduplicator whose bindings expire after ttl.
func NewDeduplicator(ttl time.Duration) domain.Deduplicator {
	return &deduplicator{claims: make(map[string]claim), ttl: ttl, now: time.Now}
}

func key(tenant, correlationID string) string {
	return tenant + "\x00" + correlationID
}

func (d *deduplicator) Claim(ctx context.Context, tenant, correlationID, requestID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.sweep(now)
	k := key(tenant, correlationID)
	if c, ok := d.claims[k]; ok && now.Before(c.expires) {
		return c.requestID, false, nil
	}
	d.claims[k] = claim{requestID: requestID, expires: now.Add(d.ttl)}
	return requestID, true, nil
}

func (d *deduplicator) Owner(ctx context.Context, tenant, correlationID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.claims[key(tenant, correlationID)]
	if !ok || !d.now().Before(c.expires) {
		return "", false, nil
	}
	return c.requestID, true, nil
}

func (d *deduplicator) Release(ctx context.Context, tenant, correlationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, key(tenant, correlationID))
	return nil
}

// sweep drops expired claims at most once per ttl, so memory stays bounded by
// the claims made within roughly two ttl windows.
func (d *deduplicator) sweep(now time.Time) {
	if now.Before(d.nextSweep) {
		return
	}
	for k, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, k)
		}
	}
	d.nextSweep = now.Add(d.ttl)
}
