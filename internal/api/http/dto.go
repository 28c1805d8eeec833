package http

import (
	"time"

	"worker-dispatch/internal/domain"
)

// ListRequestsQuery holds the query parameters of GET /requests/{tenant}.
type ListRequestsQuery struct {
	Status string `validate:"required,oneof=PENDING DISPATCHED NO_WORKER_AVAILABLE SUCCESS ERROR INVALID"`
	Limit  int    `validate:"gte=0,lte=1000"`
}

// RequestResponse is the public view of a stored request. The inbound payload
// is reported by size only.
type RequestResponse struct {
	ID             string            `json:"id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Tenant         string            `json:"tenant"`
	Source         string            `json:"source,omitempty"`
	Session        string            `json:"session,omitempty"`
	ContentType    string            `json:"content_type"`
	Status         domain.Status     `json:"status"`
	DispatchCount  int               `json:"dispatch_count"`
	WorkerType     string            `json:"worker_type,omitempty"`
	Messages       []string          `json:"messages,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	PayloadBytes   int               `json:"payload_bytes"`
	Result         []byte            `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastUpdateDate time.Time         `json:"last_update_date"`
}

// FromDomainRequest converts a domain.Request to its API view.
func FromDomainRequest(r *domain.Request) RequestResponse {
	return RequestResponse{
		ID:             r.ID,
		CorrelationID:  r.CorrelationID,
		Tenant:         r.Tenant,
		Source:         r.Source,
		Session:        r.Session,
		ContentType:    r.ContentType,
		Status:         r.Status,
		DispatchCount:  r.DispatchCount,
		WorkerType:     r.WorkerType,
		Messages:       r.Messages,
		Headers:        r.Headers,
		PayloadBytes:   len(r.Payload),
		Result:         r.Result,
		CreatedAt:      r.CreatedAt,
		LastUpdateDate: r.LastUpdateDate,
	}
}
