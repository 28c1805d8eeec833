// Package redis keeps ingestion idempotency keys in Redis so every dispatcher
// node sees the same claims.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"worker-dispatch/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dispatch:dedup:"

// claimAttempts bounds the SETNX/GET race with a key expiring in between.
const claimAttempts = 3

// NewClient creates a Redis client and checks the server answers.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

type deduplicator struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewDeduplicator binds correlation ids to request ids for ttl.
func NewDeduplicator(client redis.Cmdable, ttl time.Duration) domain.Deduplicator {
	return &deduplicator{client: client, ttl: ttl}
}

func dedupKey(tenant, correlationID string) string {
	return fmt.Sprintf("%s%d:%s:%s", keyPrefix, len(tenant), tenant, correlationID)
}

func (d *deduplicator) Claim(ctx context.Context, tenant, correlationID, requestID string) (string, bool, error) {
	key := dedupKey(tenant, correlationID)
	for range claimAttempts {
		ok, err := d.client.SetNX(ctx, key, requestID, d.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis: setnx %s: %w", key, err)
		}
		if ok {
			return requestID, true, nil
		}
		owner, err := d.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between the two calls
		}
		if err != nil {
			return "", false, fmt.Errorf("redis: get %s: %w", key, err)
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("redis: claim %s kept racing with expiry", key)
}

func (d *deduplicator) Owner(ctx context.Context, tenant, correlationID string) (string, bool, error) {
	key := dedupKey(tenant, correlationID)
	owner, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return owner, true, nil
}

func (d *deduplicator) Release(ctx context.Context, tenant, correlationID string) error {
	if err := d.client.Del(ctx, dedupKey(tenant, correlationID)).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}
