// internal/worker/server.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"worker-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResponsePublisher reports a processed request back to the dispatchers.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, resp *domain.WorkerResponse) error
}

// Server runs forwarded requests through a processor, at most concurrency at
// a time, and publishes one response per request.
type Server struct {
	processor domain.Processor
	responder ResponsePublisher
	// nextContentType chains every successful result that does not name its own.
	nextContentType string
	slots           chan struct{}
	inFlight        atomic.Int64
	wg              sync.WaitGroup
	workerID        string
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewServer creates a worker server.
func NewServer(processor domain.Processor, responder ResponsePublisher, concurrency int, nextContentType, workerID string, logger *slog.Logger) *Server {
	return &Server{
		processor:       processor,
		responder:       responder,
		nextContentType: nextContentType,
		slots:           make(chan struct{}, max(concurrency, 1)),
		workerID:        workerID,
		logger:          logger.With("component", "worker-server", "worker_id", workerID),
		tracer:          otel.Tracer("worker-dispatch-worker"),
	}
}

// Capacity is the number of requests the server runs concurrently.
func (s *Server) Capacity() int {
	return cap(s.slots)
}

// InFlight is the number of requests currently being processed.
func (s *Server) InFlight() int {
	return int(s.inFlight.Load())
}

// Handle accepts a forwarded request. It blocks while every slot is busy and
// processes the request in the background once one frees up.
func (s *Server) Handle(ctx context.Context, req *domain.ForwardedRequest) {
	if ctx.Err() != nil {
		s.logger.Warn("shutting down, request not taken", "request_id", req.RequestID)
		return
	}
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("shutting down, request not taken", "request_id", req.RequestID)
		return
	}
	s.inFlight.Add(1)
	s.wg.Add(1)
	go func() {
		defer func() {
			s.inFlight.Add(-1)
			<-s.slots
			s.wg.Done()
		}()
		s.run(context.WithoutCancel(ctx), req)
	}()
}

// Wait blocks until every accepted request has been answered.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) run(ctx context.Context, req *domain.ForwardedRequest) {
	ctx, span := s.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.content_type", req.ContentType),
		attribute.Int("request.dispatch_count", req.DispatchCount),
	))
	defer span.End()

	logger := s.logger.With("request_id", req.RequestID, "content_type", req.ContentType, "dispatch_count", req.DispatchCount)
	logger.Info("processing request")

	res, err := s.process(ctx, req)
	resp := &domain.WorkerResponse{RequestID: req.RequestID}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		logger.Warn("processing failed", "error", err)
		resp.Status = domain.ResponseError
		resp.Messages = []string{err.Error()}
	} else {
		resp.Status = domain.ResponseSuccess
		resp.Content = res.Content
		resp.AdditionalHeaders = maps.Clone(res.Headers)
		next := res.NextContentType
		if next == "" {
			next = s.nextContentType
		}
		if next != "" {
			if resp.AdditionalHeaders == nil {
				resp.AdditionalHeaders = map[string]string{}
			}
			resp.AdditionalHeaders[domain.HeaderNextContentType] = next
		}
		logger.Info("request processed", "next_content_type", next, "content_bytes", len(res.Content))
	}

	if err := s.responder.PublishResponse(ctx, resp); err != nil {
		// The dispatcher's lost-in-flight sweep will re-offer the request.
		span.RecordError(err)
		logger.Error("failed to publish response", "error", err)
	}
}

func (s *Server) process(ctx context.Context, req *domain.ForwardedRequest) (res *domain.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = s.processor.Process(ctx, req)
	if err == nil && res == nil {
		res = &domain.ProcessResult{}
	}
	return res, err
}
