// internal/domain/request.go
package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusDispatched        Status = "DISPATCHED"
	StatusNoWorkerAvailable Status = "NO_WORKER_AVAILABLE"
	StatusSuccess           Status = "SUCCESS"
	StatusError             Status = "ERROR"
	StatusInvalid           Status = "INVALID"
)

// transitions lists the allowed target states for every source state.
// INVALID is reachable from any non-terminal state (malformed input, dead letter).
var transitions = map[Status][]Status{
	StatusPending:           {StatusDispatched, StatusNoWorkerAvailable, StatusInvalid},
	StatusNoWorkerAvailable: {StatusPending, StatusInvalid},
	StatusDispatched:        {StatusSuccess, StatusError, StatusPending, StatusNoWorkerAvailable, StatusInvalid},
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusInvalid
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusNoWorkerAvailable, StatusSuccess, StatusError, StatusInvalid:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Request is one unit of work flowing through the dispatch engine.
type Request struct {
	ID             string            `json:"id" bson:"_id"`
	CorrelationID  string            `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	Tenant         string            `json:"tenant" bson:"tenant"`
	Source         string            `json:"source,omitempty" bson:"source,omitempty"`
	Session        string            `json:"session,omitempty" bson:"session,omitempty"`
	ContentType    string            `json:"content_type" bson:"content_type"`
	Payload        []byte            `json:"payload,omitempty" bson:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" bson:"headers,omitempty"` // propagated to the next worker
	Status         Status            `json:"status" bson:"status"`
	DispatchCount  int               `json:"dispatch_count" bson:"dispatch_count"`
	WorkerType     string            `json:"worker_type,omitempty" bson:"worker_type,omitempty"` // last worker type forwarded to
	Messages       []string          `json:"messages,omitempty" bson:"messages,omitempty"`
	Result         []byte            `json:"result,omitempty" bson:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
	LastUpdateDate time.Time         `json:"last_update_date" bson:"last_update_date"`
	// Version is bumped by the repository on every successful save and
	// compared before writing, so concurrent stale transitions are rejected.
	Version int64 `json:"version" bson:"version"`
}

// Transition moves the request to the target state, stamping LastUpdateDate.
func (r *Request) Transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s for request %s", ErrInvalidTransition, r.Status, to, r.ID)
	}
	r.Status = to
	r.LastUpdateDate = now
	return nil
}

// Invalidate moves any non-terminal request to INVALID and records why.
func (r *Request) Invalidate(reason string, now time.Time) error {
	if err := r.Transition(StatusInvalid, now); err != nil {
		return err
	}
	if reason != "" {
		r.Messages = append(r.Messages, reason)
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate without racing with stored copies.
func (r *Request) Clone() *Request {
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	c.Messages = slices.Clone(r.Messages)
	c.Headers = maps.Clone(r.Headers)
	return &c
}

// Validate checks if the request is storable.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID cannot be empty")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid request status: %q", r.Status)
	}
	// INVALID requests are stored even when the headers that made them invalid are missing.
	if r.Status != StatusInvalid {
		if r.Tenant == "" {
			return fmt.Errorf("request tenant cannot be empty")
		}
		if r.ContentType == "" {
			return fmt.Errorf("request content type cannot be empty")
		}
	}
	return nil
}
