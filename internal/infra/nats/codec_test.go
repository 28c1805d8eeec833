package nats

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-dispatch/internal/domain"
)

func TestForwardedHeadersSurviveTheWire(t *testing.T) {
	sent := &domain.ForwardedRequest{
		RequestID:     "r1",
		CorrelationID: "caller-42",
		Tenant:        "acme",
		Source:        "uploader",
		ContentType:   "image/raw",
		DispatchCount: 3,
		Headers:       map[string]string{"dpi": "300", "tenant": "spoofed"},
		Payload:       []byte{0xff, 0x00},
	}
	msg := nats.NewMsg("dispatch.workers.thumbnailer")
	msg.Header = forwardHeaders(sent)
	msg.Data = sent.Payload

	got, err := ParseForwarded(msg)
	require.NoError(t, err)

	want := *sent
	want.Headers = map[string]string{"dpi": "300"}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("ParseForwarded() mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, msg.Header.Get(domain.HeaderSession), "empty optional headers are not sent")
}

func TestParseForwardedRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header nats.Header
	}{
		{"missing request id", nats.Header{"tenant": {"acme"}}},
		{"non-numeric dispatch count", nats.Header{"requestId": {"r1"}, "dispatchCount": {"two"}}},
		{"negative dispatch count", nats.Header{"requestId": {"r1"}, "dispatchCount": {"-1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseForwarded(&nats.Msg{Header: tt.header})
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"requestId":"r1","status":"SUCCESS","additionalHeaders":{"nextContentType":"X"},"content":"aGk="}`))
	require.NoError(t, err)
	assert.Equal(t, "X", resp.NextContentType())
	assert.Equal(t, []byte("hi"), resp.Content)

	for _, body := range []string{
		`{"requestId":"r1","status":"DONE"}`,
		`{"status":"ERROR"}`,
		`not json`,
	} {
		_, err := DecodeResponse([]byte(body))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage, body)
	}
}

func TestHeartbeatCodec(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	data, err := EncodeHeartbeat(domain.Heartbeat{WorkerID: "w1", WorkerType: "ocr", Capacity: 2, Timestamp: at})
	require.NoError(t, err)

	hb, err := DecodeHeartbeat(data)
	require.NoError(t, err)
	assert.Equal(t, "w1", hb.WorkerID)
	assert.True(t, at.Equal(hb.Timestamp))

	_, err = DecodeHeartbeat([]byte(`{"workerType":"ocr","capacity":1,"timestamp":"2026-03-01T09:00:00Z"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	_, err = DecodeHeartbeat([]byte(`{"workerId":"w1","workerType":"ocr","capacity":-1,"timestamp":"2026-03-01T09:00:00Z"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}
