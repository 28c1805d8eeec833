package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyIsUnambiguous(t *testing.T) {
	assert.Equal(t, "dispatch:dedup:4:acme:c-1", dedupKey("acme", "c-1"))
	// Without the length prefix these two would collide.
	assert.NotEqual(t, dedupKey("a:b", "c"), dedupKey("a", "b:c"))
}

// scriptedRedis answers SETNX, GET and DEL from queued replies. Any other
// command panics through the nil embedded interface.
type scriptedRedis struct {
	redis.Cmdable
	setnx   []*redis.BoolCmd
	get     []*redis.StringCmd
	deleted []string
	ttls    []time.Duration
}

func (s *scriptedRedis) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	s.ttls = append(s.ttls, ttl)
	reply := s.setnx[0]
	s.setnx = s.setnx[1:]
	return reply
}

func (s *scriptedRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	reply := s.get[0]
	s.get = s.get[1:]
	return reply
}

func (s *scriptedRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	s.deleted = append(s.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestClaim(t *testing.T) {
	errDown := errors.New("connection refused")
	tests := []struct {
		name        string
		setnx       []*redis.BoolCmd
		get         []*redis.StringCmd
		wantOwner   string
		wantCreated bool
		wantErr     bool
	}{
		{
			name:        "first claim binds the key",
			setnx:       []*redis.BoolCmd{redis.NewBoolResult(true, nil)},
			wantOwner:   "r1",
			wantCreated: true,
		},
		{
			name:      "existing claim returns its owner",
			setnx:     []*redis.BoolCmd{redis.NewBoolResult(false, nil)},
			get:       []*redis.StringCmd{redis.NewStringResult("r0", nil)},
			wantOwner: "r0",
		},
		{
			name: "claim expiring between setnx and get is retried",
			setnx: []*redis.BoolCmd{
				redis.NewBoolResult(false, nil),
				redis.NewBoolResult(true, nil),
			},
			get:         []*redis.StringCmd{redis.NewStringResult("", redis.Nil)},
			wantOwner:   "r1",
			wantCreated: true,
		},
		{
			name: "gives up after repeated expiry races",
			setnx: []*redis.BoolCmd{
				redis.NewBoolResult(false, nil),
				redis.NewBoolResult(false, nil),
				redis.NewBoolResult(false, nil),
			},
			get: []*redis.StringCmd{
				redis.NewStringResult("", redis.Nil),
				redis.NewStringResult("", redis.Nil),
				redis.NewStringResult("", redis.Nil),
			},
			wantErr: true,
		},
		{
			name:    "setnx failure",
			setnx:   []*redis.BoolCmd{redis.NewBoolResult(false, errDown)},
			wantErr: true,
		},
		{
			name:    "get failure",
			setnx:   []*redis.BoolCmd{redis.NewBoolResult(false, nil)},
			get:     []*redis.StringCmd{redis.NewStringResult("", errDown)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedRedis{setnx: tt.setnx, get: tt.get}
			d := NewDeduplicator(client, time.Hour)

			owner, created, err := d.Claim(context.Background(), "acme", "c-1", "r1")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantCreated, created)
			assert.Empty(t, client.setnx, "every scripted SETNX reply is consumed")
			for _, ttl := range client.ttls {
				assert.Equal(t, time.Hour, ttl)
			}
		})
	}
}

func TestOwnerAndRelease(t *testing.T) {
	client := &scriptedRedis{get: []*redis.StringCmd{
		redis.NewStringResult("r7", nil),
		redis.NewStringResult("", redis.Nil),
	}}
	d := NewDeduplicator(client, time.Hour)
	ctx := context.Background()

	owner, found, err := d.Owner(ctx, "acme", "c-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "r7", owner)

	_, found, err = d.Owner(ctx, "acme", "c-2")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Release(ctx, "acme", "c-1"))
	assert.Equal(t, []string{dedupKey("acme", "c-1")}, client.deleted)
}
