package etcd

import (
	"net/url"
	"path"
	"strings"

	"worker-dispatch/internal/domain"
)

const (
	RequestDir = "/dispatch/requests/"
	IndexDir   = "/dispatch/index/"
	TenantDir  = "/dispatch/tenants/"
)

func requestKey(id string) string {
	return RequestDir + url.PathEscape(id)
}

func tenantKey(tenant string) string {
	return TenantDir + url.PathEscape(tenant)
}

// statusPrefix groups the index entries of one tenant and status.
func statusPrefix(tenant string, status domain.Status) string {
	return path.Join(IndexDir, url.PathEscape(tenant), string(status)) + "/"
}

func indexKey(tenant string, status domain.Status, id string) string {
	return statusPrefix(tenant, status) + url.PathEscape(id)
}

// lastSegment decodes the final path element of an index or tenant key.
func lastSegment(key string) (string, error) {
	return url.PathUnescape(key[strings.LastIndex(key, "/")+1:])
}
