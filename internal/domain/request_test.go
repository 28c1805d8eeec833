package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusDispatched, StatusNoWorkerAvailable, StatusSuccess, StatusError, StatusInvalid}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusDispatched}:           true,
		{StatusPending, StatusNoWorkerAvailable}:    true,
		{StatusPending, StatusInvalid}:              true,
		{StatusNoWorkerAvailable, StatusPending}:    true,
		{StatusNoWorkerAvailable, StatusInvalid}:    true,
		{StatusDispatched, StatusSuccess}:           true,
		{StatusDispatched, StatusError}:             true,
		{StatusDispatched, StatusPending}:           true,
		{StatusDispatched, StatusNoWorkerAvailable}: true,
		{StatusDispatched, StatusInvalid}:           true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusError, StatusInvalid} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, transitions[s])
	}
	assert.False(t, StatusNoWorkerAvailable.IsTerminal())
}

func TestTransitionStampsUpdateDate(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Request{ID: "r1", Status: StatusPending, LastUpdateDate: created}

	later := created.Add(time.Minute)
	require.NoError(t, r.Transition(StatusDispatched, later))
	assert.Equal(t, StatusDispatched, r.Status)
	assert.Equal(t, later, r.LastUpdateDate)

	require.NoError(t, r.Transition(StatusSuccess, later.Add(time.Second)))
	err := r.Transition(StatusPending, later.Add(2*time.Second))
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusSuccess, r.Status, "a rejected transition leaves the request untouched")
	assert.Equal(t, later.Add(time.Second), r.LastUpdateDate)
}

func TestInvalidateRecordsReason(t *testing.T) {
	now := time.Now()
	r := &Request{ID: "r1", Status: StatusNoWorkerAvailable}
	require.NoError(t, r.Invalidate("dead-lettered", now))
	assert.Equal(t, StatusInvalid, r.Status)
	assert.Equal(t, []string{"dead-lettered"}, r.Messages)

	assert.ErrorIs(t, r.Invalidate("again", now), ErrInvalidTransition)
	assert.Len(t, r.Messages, 1)
}

func TestCloneIsDeep(t *testing.T) {
	r := &Request{
		ID:       "r1",
		Payload:  []byte("abc"),
		Headers:  map[string]string{"x": "1"},
		Messages: []string{"m"},
	}
	c := r.Clone()
	c.Payload[0] = 'z'
	c.Headers["x"] = "2"
	c.Messages[0] = "n"

	assert.Equal(t, []byte("abc"), r.Payload)
	assert.Equal(t, "1", r.Headers["x"])
	assert.Equal(t, "m", r.Messages[0])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"pending ok", Request{ID: "r", Tenant: "t", ContentType: "c", Status: StatusPending}, false},
		{"missing id", Request{Tenant: "t", ContentType: "c", Status: StatusPending}, true},
		{"unknown status", Request{ID: "r", Tenant: "t", ContentType: "c", Status: "DONE"}, true},
		{"pending without tenant", Request{ID: "r", ContentType: "c", Status: StatusPending}, true},
		{"invalid without headers", Request{ID: "r", Status: StatusInvalid}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
