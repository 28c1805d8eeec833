// internal/infra/etcd/etcd_request_repository.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type etcdRequestRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRequestRepository creates a request repository backed by etcd.
//
// Request.Version is the etcd key version: the create puts version 1 and
// every update is a transaction guarded on the version the caller read.
// Each request also has an index entry under /dispatch/index/{tenant}/{status}/
// that is moved in the same transaction.
func NewEtcdRequestRepository(client *clientv3.Client, logger *slog.Logger) domain.RequestRepository {
	return &etcdRequestRepository{
		client: client,
		logger: logger.With("component", "etcd-request-repo"),
		tracer: otel.Tracer("worker-dispatch-etcd-repo"),
	}
}

func (r *etcdRequestRepository) Save(ctx context.Context, req *domain.Request) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Save")
	defer span.End()

	if err := req.Validate(); err != nil {
		return err
	}
	key := requestKey(req.ID)
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.status", string(req.Status)),
		attribute.Int64("request.version", req.Version),
		attribute.String("etcd.key", key),
	)

	value, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request %s to JSON: %w", req.ID, err)
	}

	ops := []clientv3.Op{
		clientv3.OpPut(key, string(value)),
		clientv3.OpPut(indexKey(req.Tenant, req.Status, req.ID), ""),
	}
	if req.Version == 0 {
		ops = append(ops, clientv3.OpPut(tenantKey(req.Tenant), ""))
	} else {
		prev, err := r.load(ctx, req.ID)
		if err != nil {
			return err
		}
		if prev.Version != req.Version {
			return fmt.Errorf("%w: request %s is at version %d, not %d", domain.ErrConcurrentUpdate, req.ID, prev.Version, req.Version)
		}
		if prev.Tenant != req.Tenant || prev.Status != req.Status {
			ops = append(ops, clientv3.OpDelete(indexKey(prev.Tenant, prev.Status, req.ID)))
		}
		if prev.Tenant != req.Tenant {
			ops = append(ops, clientv3.OpPut(tenantKey(req.Tenant), ""))
		}
	}

	txn, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", req.Version)).
		Then(ops...).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit request txn")
		return fmt.Errorf("failed to save request %s to etcd: %w", req.ID, err)
	}
	if !txn.Succeeded {
		span.SetAttributes(attribute.Bool("etcd.txn_conflict", true))
		return fmt.Errorf("%w: request %s changed since version %d", domain.ErrConcurrentUpdate, req.ID, req.Version)
	}
	req.Version++
	return nil
}

func (r *etcdRequestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.FindByID")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", id))

	req, err := r.load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return req, nil
}

// load reads a request and stamps it with the key's etcd version.
func (r *etcdRequestRepository) load(ctx context.Context, id string) (*domain.Request, error) {
	resp, err := r.client.Get(ctx, requestKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s from etcd: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrRequestNotFound
	}
	kv := resp.Kvs[0]
	var req domain.Request
	if err := sonic.ConfigStd.Unmarshal(kv.Value, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request %s from JSON: %w", id, err)
	}
	req.Version = kv.Version
	return &req, nil
}

func (r *etcdRequestRepository) FindByStatusAndTenant(ctx context.Context, status domain.Status, tenant string) iter.Seq2[*domain.Request, error] {
	return func(yield func(*domain.Request, error) bool) {
		ctx, span := r.tracer.Start(ctx, "repo.etcd.FindByStatusAndTenant")
		defer span.End()
		span.SetAttributes(attribute.String("request.tenant", tenant), attribute.String("request.status", string(status)))

		r.scanIndex(ctx, tenant, status, func(req *domain.Request) bool { return true }, yield)
	}
}

func (r *etcdRequestRepository) FindStaleDispatched(ctx context.Context, olderThan time.Time) iter.Seq2[*domain.Request, error] {
	return func(yield func(*domain.Request, error) bool) {
		ctx, span := r.tracer.Start(ctx, "repo.etcd.FindStaleDispatched")
		defer span.End()

		tenants, err := r.ListTenants(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		stale := func(req *domain.Request) bool { return req.LastUpdateDate.Before(olderThan) }
		for _, tenant := range tenants {
			if !r.scanIndex(ctx, tenant, domain.StatusDispatched, stale, yield) {
				return
			}
		}
	}
}

// scanIndex yields the requests listed under one index prefix that still have
// the indexed status and satisfy keep. It reports whether iteration may continue.
func (r *etcdRequestRepository) scanIndex(ctx context.Context, tenant string, status domain.Status, keep func(*domain.Request) bool, yield func(*domain.Request, error) bool) bool {
	prefix := statusPrefix(tenant, status)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return yield(nil, fmt.Errorf("failed to list %s from etcd: %w", prefix, err))
	}
	for _, kv := range resp.Kvs {
		id, err := lastSegment(string(kv.Key))
		if err != nil {
			r.logger.Warn("skipping undecodable index key", "key", string(kv.Key), "error", err)
			continue
		}
		req, err := r.load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrRequestNotFound) {
				r.logger.Warn("index entry without request", "key", string(kv.Key))
				continue
			}
			if !yield(nil, err) {
				return false
			}
			continue
		}
		// Moved since the index was listed.
		if req.Status != status || req.Tenant != tenant || !keep(req) {
			continue
		}
		if !yield(req, nil) {
			return false
		}
	}
	return true
}

func (r *etcdRequestRepository) ListTenants(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, TenantDir, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants from etcd: %w", err)
	}
	tenants := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		tenant, err := lastSegment(string(kv.Key))
		if err != nil {
			r.logger.Warn("skipping undecodable tenant key", "key", string(kv.Key), "error", err)
			continue
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}
