// Package nats carries the dispatch engine's traffic over a NATS server:
// inbound requests, dead letters, worker heartbeats, responses, and the
// per-worker-type destinations requests are forwarded to.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subjects names the subjects the engine uses.
type Subjects struct {
	Requests     string
	Responses    string
	Heartbeats   string
	DeadLetter   string
	WorkerPrefix string
}

// Connect dials the NATS server and keeps reconnecting for the life of the process.
func Connect(url, name string, timeout time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to nats", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Broker publishes and consumes engine traffic on one connection.
type Broker struct {
	conn       *nats.Conn
	subjects   Subjects
	queueGroup string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewBroker creates a broker. queueGroup load-balances inbound requests,
// dead letters and responses across dispatcher nodes.
func NewBroker(conn *nats.Conn, subjects Subjects, queueGroup string, logger *slog.Logger) *Broker {
	return &Broker{
		conn:       conn,
		subjects:   subjects,
		queueGroup: queueGroup,
		logger:     logger.With("component", "broker"),
		tracer:     otel.Tracer("worker-dispatch-nats"),
	}
}

// WorkerSubject is the destination requests for workerType are forwarded to.
func (b *Broker) WorkerSubject(workerType string) string {
	return b.subjects.WorkerPrefix + "." + workerType
}

// Connected reports whether the underlying connection is currently usable.
func (b *Broker) Connected() bool {
	return b.conn.IsConnected()
}

// Forward publishes req to the worker type's subject.
func (b *Broker) Forward(ctx context.Context, workerType string, req *domain.ForwardedRequest) error {
	_, span := b.tracer.Start(ctx, "broker.Forward", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("dispatch.worker_type", workerType),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(b.WorkerSubject(workerType))
	msg.Header = forwardHeaders(req)
	msg.Data = req.Payload
	if err := b.conn.PublishMsg(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// ConsumeRequests delivers inbound processing requests to handle.
func (b *Broker) ConsumeRequests(ctx context.Context, handle func(context.Context, domain.InboundMessage)) (*nats.Subscription, error) {
	return b.queueSubscribe(b.subjects.Requests, b.queueGroup, func(m *nats.Msg) {
		handle(ctx, domain.InboundMessage{Headers: flattenHeaders(m.Header), Body: m.Data})
	})
}

// ConsumeDeadLetters delivers messages the broker gave up on.
func (b *Broker) ConsumeDeadLetters(ctx context.Context, handle func(context.Context, domain.InboundMessage)) (*nats.Subscription, error) {
	return b.queueSubscribe(b.subjects.DeadLetter, b.queueGroup, func(m *nats.Msg) {
		handle(ctx, domain.InboundMessage{Headers: flattenHeaders(m.Header), Body: m.Data})
	})
}

// ConsumeResponses delivers decoded worker responses. Undecodable bodies are
// logged and dropped.
func (b *Broker) ConsumeResponses(ctx context.Context, handle func(context.Context, *domain.WorkerResponse)) (*nats.Subscription, error) {
	return b.queueSubscribe(b.subjects.Responses, b.queueGroup, func(m *nats.Msg) {
		resp, err := DecodeResponse(m.Data)
		if err != nil {
			b.logger.Warn("dropping malformed response", "subject", m.Subject, "error", err)
			return
		}
		handle(ctx, resp)
	})
}

// ConsumeHeartbeats delivers every heartbeat to this node. It is a plain
// subscription: each dispatcher keeps its own registry.
func (b *Broker) ConsumeHeartbeats(handle func(domain.Heartbeat)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(b.subjects.Heartbeats, func(m *nats.Msg) {
		hb, err := DecodeHeartbeat(m.Data)
		if err != nil {
			b.logger.Warn("dropping malformed heartbeat", "error", err)
			return
		}
		handle(hb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subjects.Heartbeats, err)
	}
	return sub, nil
}

// ConsumeForwarded is the worker-side subscription. Instances of one worker
// type share a queue group so each request reaches exactly one of them.
func (b *Broker) ConsumeForwarded(ctx context.Context, workerType string, handle func(context.Context, *domain.ForwardedRequest)) (*nats.Subscription, error) {
	return b.queueSubscribe(b.WorkerSubject(workerType), workerType, func(m *nats.Msg) {
		req, err := ParseForwarded(m)
		if err != nil {
			b.logger.Warn("dropping malformed forwarded request", "subject", m.Subject, "error", err)
			return
		}
		handle(ctx, req)
	})
}

// PublishHeartbeat announces a worker's liveness and capacity.
func (b *Broker) PublishHeartbeat(hb domain.Heartbeat) error {
	data, err := EncodeHeartbeat(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	return b.conn.Publish(b.subjects.Heartbeats, data)
}

// PublishResponse reports a worker's result for a request.
func (b *Broker) PublishResponse(ctx context.Context, resp *domain.WorkerResponse) error {
	_, span := b.tracer.Start(ctx, "broker.PublishResponse", trace.WithAttributes(
		attribute.String("request.id", resp.RequestID),
		attribute.String("response.status", string(resp.Status)),
	))
	defer span.End()

	data, err := EncodeResponse(resp)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode response for %s: %w", resp.RequestID, err)
	}
	if err := b.conn.Publish(b.subjects.Responses, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish response for %s: %w", resp.RequestID, err)
	}
	return nil
}

// Drain lets in-flight callbacks finish, then closes the connection.
func (b *Broker) Drain() error {
	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (b *Broker) queueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s (queue %s): %w", subject, queue, err)
	}
	b.logger.Info("subscribed", "subject", subject, "queue", queue)
	return sub, nil
}
