package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const RequestsCollection = "requests"

type requestRepository struct {
	coll   *mongo.Collection
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRequestRepository creates a repository over db.requests and ensures the
// indexes the scanner queries rely on.
func NewRequestRepository(ctx context.Context, db *mongo.Database, logger *slog.Logger) (domain.RequestRepository, error) {
	coll := db.Collection(RequestsCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "status", Value: 1}, {Key: "last_update_date", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_update_date", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: create indexes on %s: %w", RequestsCollection, err)
	}
	return &requestRepository{
		coll:   coll,
		logger: logger.With("component", "mongo-request-repo"),
		tracer: otel.Tracer("worker-dispatch-mongo-repo"),
	}, nil
}

// versionFilter matches the stored document only while it is still at the
// version req was read at.
func versionFilter(req *domain.Request) bson.D {
	return bson.D{{Key: "_id", Value: req.ID}, {Key: "version", Value: req.Version}}
}

func statusFilter(status domain.Status, tenant string) bson.D {
	return bson.D{{Key: "tenant", Value: tenant}, {Key: "status", Value: status}}
}

func staleDispatchedFilter(olderThan time.Time) bson.D {
	return bson.D{
		{Key: "status", Value: domain.StatusDispatched},
		{Key: "last_update_date", Value: bson.D{{Key: "$lt", Value: olderThan}}},
	}
}

func (r *requestRepository) Save(ctx context.Context, req *domain.Request) error {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.Save", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.status", string(req.Status)),
		attribute.Int64("request.version", req.Version),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return err
	}
	doc := req.Clone()
	doc.Version = req.Version + 1

	if req.Version == 0 {
		if _, err := r.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: request %s already exists", domain.ErrConcurrentUpdate, req.ID)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "insert failed")
			return fmt.Errorf("failed to insert request %s: %w", req.ID, err)
		}
		req.Version = doc.Version
		return nil
	}

	res, err := r.coll.ReplaceOne(ctx, versionFilter(req), doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replace failed")
		return fmt.Errorf("failed to update request %s: %w", req.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: request %s is no longer at version %d", domain.ErrConcurrentUpdate, req.ID, req.Version)
	}
	req.Version = doc.Version
	return nil
}

func (r *requestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.FindByID", trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	var req domain.Request
	if err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRequestNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to find request %s: %w", id, err)
	}
	return &req, nil
}

func (r *requestRepository) FindByStatusAndTenant(ctx context.Context, status domain.Status, tenant string) iter.Seq2[*domain.Request, error] {
	return r.find(ctx, statusFilter(status, tenant))
}

func (r *requestRepository) FindStaleDispatched(ctx context.Context, olderThan time.Time) iter.Seq2[*domain.Request, error] {
	return r.find(ctx, staleDispatchedFilter(olderThan))
}

// find streams matches oldest first. The cursor stays open while the caller
// ranges, so callers may save between iterations.
func (r *requestRepository) find(ctx context.Context, filter bson.D) iter.Seq2[*domain.Request, error] {
	return func(yield func(*domain.Request, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "last_update_date", Value: 1}, {Key: "_id", Value: 1}})
		cur, err := r.coll.Find(ctx, filter, opts)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query requests: %w", err))
			return
		}
		defer cur.Close(context.WithoutCancel(ctx))

		for cur.Next(ctx) {
			var req domain.Request
			if err := cur.Decode(&req); err != nil {
				r.logger.Warn("failed to decode request document", "error", err)
				continue
			}
			if !yield(&req, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, fmt.Errorf("request cursor failed: %w", err))
		}
	}
}

func (r *requestRepository) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := r.coll.Distinct(ctx, "tenant", bson.D{}).Decode(&tenants); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}
