package etcd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-dispatch/internal/domain"
)

func TestIndexKeysEscapeSegments(t *testing.T) {
	key := indexKey("acme/eu", domain.StatusPending, "r/1")
	assert.Equal(t, "/dispatch/index/acme%2Feu/PENDING/r%2F1", key)
	assert.True(t, strings.HasPrefix(key, statusPrefix("acme/eu", domain.StatusPending)))
	assert.False(t, strings.HasPrefix(indexKey("acme", domain.StatusPending, "r1"), statusPrefix("acme", domain.StatusDispatched)))

	id, err := lastSegment(key)
	require.NoError(t, err)
	assert.Equal(t, "r/1", id)
}

func TestTenantPrefixesDoNotOverlap(t *testing.T) {
	assert.False(t, strings.HasPrefix(indexKey("acme-2", domain.StatusPending, "r1"), statusPrefix("acme", domain.StatusPending)))
	tenant, err := lastSegment(tenantKey("_unknown"))
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownTenant, tenant)
}
