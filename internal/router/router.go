// Package router maps request content types to candidate worker types.
package router

import (
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"worker-dispatch/internal/domain"
)

type table map[string][]string

// ContentTypeRouter resolves content types against a route table that is
// replaced as a whole on reload. Readers always see either the old or the new
// table, never a mix.
type ContentTypeRouter struct {
	current atomic.Pointer[table]
	logger  *slog.Logger
}

var _ domain.Router = (*ContentTypeRouter)(nil)

// New creates a router serving routes.
func New(routes map[string][]string, logger *slog.Logger) *ContentTypeRouter {
	r := &ContentTypeRouter{logger: logger.With("component", "content-type-router")}
	r.Reload(routes)
	return r
}

// Resolve returns the candidate worker types for contentType in preference
// order, or nil when the content type is not mapped. The returned slice is
// owned by the caller.
func (r *ContentTypeRouter) Resolve(contentType string) []string {
	t := *r.current.Load()
	return slices.Clone(t[strings.TrimSpace(contentType)])
}

// Reload atomically installs a new route table. The input is copied.
func (r *ContentTypeRouter) Reload(routes map[string][]string) {
	next := make(table, len(routes))
	for ct, types := range routes {
		candidates := make([]string, 0, len(types))
		for _, wt := range types {
			if wt = strings.TrimSpace(wt); wt != "" && !slices.Contains(candidates, wt) {
				candidates = append(candidates, wt)
			}
		}
		if len(candidates) > 0 {
			next[strings.TrimSpace(ct)] = candidates
		}
	}
	r.current.Store(&next)
	r.logger.Info("route table loaded", "content_types", len(next))
}

// WorkerTypes lists every worker type referenced by the current table.
func (r *ContentTypeRouter) WorkerTypes() []string {
	var out []string
	for _, types := range *r.current.Load() {
		for _, wt := range types {
			if !slices.Contains(out, wt) {
				out = append(out, wt)
			}
		}
	}
	slices.Sort(out)
	return out
}
