package domain

import (
	"context"
	"errors"
)

// ErrMalformedMessage marks a message that could not be decoded or lacks required fields.
var ErrMalformedMessage = errors.New("malformed message")

// Transport header names shared by inbound, forwarded and dead-lettered messages.
const (
	HeaderTenant        = "tenant"
	HeaderContentType   = "contentType"
	HeaderSource        = "source"
	HeaderSession       = "session"
	HeaderRequestID     = "requestId"
	HeaderCorrelationID = "correlationId"
	HeaderDispatchCount = "dispatchCount"
	// HeaderNextContentType in a response's additional headers requests chaining.
	HeaderNextContentType = "nextContentType"
)

// InboundMessage is a processing request as received from the bus.
type InboundMessage struct {
	Headers map[string]string
	Body    []byte
}

// ForwardedRequest is a request as delivered to a worker.
type ForwardedRequest struct {
	RequestID     string
	CorrelationID string
	Tenant        string
	Source        string
	Session       string
	ContentType   string
	DispatchCount int
	Headers       map[string]string // extra headers propagated from the previous stage
	Payload       []byte
}

// ResponseStatus is what a worker reports for a request.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "SUCCESS"
	ResponseError   ResponseStatus = "ERROR"
)

// WorkerResponse is a completion message published by a worker.
type WorkerResponse struct {
	RequestID         string            `json:"requestId" validate:"required"`
	Status            ResponseStatus    `json:"status" validate:"required,oneof=SUCCESS ERROR"`
	Messages          []string          `json:"messages,omitempty"`
	AdditionalHeaders map[string]string `json:"additionalHeaders,omitempty"`
	Content           []byte            `json:"content,omitempty"`
}

// NextContentType returns the chained content type, if any.
func (r *WorkerResponse) NextContentType() string {
	return r.AdditionalHeaders[HeaderNextContentType]
}

// Publisher forwards requests to the broker destination of a worker type.
type Publisher interface {
	Forward(ctx context.Context, workerType string, req *ForwardedRequest) error
}
