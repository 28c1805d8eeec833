package nats

import (
	"fmt"
	"strconv"
	"strings"

	"worker-dispatch/internal/domain"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// wire is the JSON codec for heartbeat and response bodies. ConfigStd keeps
// the output byte-compatible with encoding/json for non-Go workers.
var (
	wire     = sonic.ConfigStd
	validate = validator.New()
)

// EncodeHeartbeat renders a heartbeat body.
func EncodeHeartbeat(hb domain.Heartbeat) ([]byte, error) {
	return wire.Marshal(hb)
}

// DecodeHeartbeat parses and validates a heartbeat body.
func DecodeHeartbeat(data []byte) (domain.Heartbeat, error) {
	var hb domain.Heartbeat
	if err := wire.Unmarshal(data, &hb); err != nil {
		return domain.Heartbeat{}, fmt.Errorf("%w: heartbeat: %v", domain.ErrMalformedMessage, err)
	}
	if err := validate.Struct(hb); err != nil {
		return domain.Heartbeat{}, fmt.Errorf("%w: heartbeat: %v", domain.ErrMalformedMessage, err)
	}
	return hb, nil
}

// EncodeResponse renders a worker response body.
func EncodeResponse(resp *domain.WorkerResponse) ([]byte, error) {
	return wire.Marshal(resp)
}

// DecodeResponse parses and validates a worker response body.
func DecodeResponse(data []byte) (*domain.WorkerResponse, error) {
	var resp domain.WorkerResponse
	if err := wire.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: response: %v", domain.ErrMalformedMessage, err)
	}
	if err := validate.Struct(&resp); err != nil {
		return nil, fmt.Errorf("%w: response: %v", domain.ErrMalformedMessage, err)
	}
	return &resp, nil
}

// flattenHeaders keeps the first value of every header.
func flattenHeaders(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// forwardHeaders builds the transport headers of a request sent to a worker.
// Propagated headers go first so the routing headers always win.
func forwardHeaders(req *domain.ForwardedRequest) nats.Header {
	h := nats.Header{}
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	h.Set(domain.HeaderRequestID, req.RequestID)
	h.Set(domain.HeaderTenant, req.Tenant)
	h.Set(domain.HeaderContentType, req.ContentType)
	h.Set(domain.HeaderDispatchCount, strconv.Itoa(req.DispatchCount))
	for k, v := range map[string]string{
		domain.HeaderCorrelationID: req.CorrelationID,
		domain.HeaderSource:        req.Source,
		domain.HeaderSession:       req.Session,
	} {
		if v != "" {
			h.Set(k, v)
		}
	}
	return h
}

var routingHeaders = map[string]bool{
	domain.HeaderRequestID:     true,
	domain.HeaderTenant:        true,
	domain.HeaderContentType:   true,
	domain.HeaderDispatchCount: true,
	domain.HeaderCorrelationID: true,
	domain.HeaderSource:        true,
	domain.HeaderSession:       true,
}

// ParseForwarded reads a forwarded request back from a worker-side message.
func ParseForwarded(msg *nats.Msg) (*domain.ForwardedRequest, error) {
	h := flattenHeaders(msg.Header)
	req := &domain.ForwardedRequest{
		RequestID:     h[domain.HeaderRequestID],
		CorrelationID: h[domain.HeaderCorrelationID],
		Tenant:        h[domain.HeaderTenant],
		Source:        h[domain.HeaderSource],
		Session:       h[domain.HeaderSession],
		ContentType:   h[domain.HeaderContentType],
		Payload:       msg.Data,
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("%w: forwarded request without %s header", domain.ErrMalformedMessage, domain.HeaderRequestID)
	}
	if raw := h[domain.HeaderDispatchCount]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad %s header %q", domain.ErrMalformedMessage, domain.HeaderDispatchCount, raw)
		}
		req.DispatchCount = n
	}
	for k, v := range h {
		if routingHeaders[k] {
			continue
		}
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers[k] = v
	}
	return req, nil
}
