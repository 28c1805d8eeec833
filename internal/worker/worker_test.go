package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-dispatch/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type processorFunc func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error)

func (f processorFunc) Process(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
	return f(ctx, req)
}

type recordingResponder struct {
	mu    sync.Mutex
	sent  []*domain.WorkerResponse
	beats []domain.Heartbeat
}

func (r *recordingResponder) PublishResponse(ctx context.Context, resp *domain.WorkerResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, resp)
	return nil
}

func (r *recordingResponder) PublishHeartbeat(hb domain.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, hb)
	return nil
}

func (r *recordingResponder) responses() []*domain.WorkerResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.WorkerResponse(nil), r.sent...)
}

func TestServerResponses(t *testing.T) {
	tests := []struct {
		name      string
		processor processorFunc
		chainTo   string
		want      domain.WorkerResponse
	}{
		{
			name: "success",
			processor: func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
				return &domain.ProcessResult{Content: []byte("out")}, nil
			},
			want: domain.WorkerResponse{RequestID: "r1", Status: domain.ResponseSuccess, Content: []byte("out")},
		},
		{
			name: "configured chain",
			processor: func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
				return &domain.ProcessResult{Content: []byte("out")}, nil
			},
			chainTo: "image/thumb",
			want: domain.WorkerResponse{RequestID: "r1", Status: domain.ResponseSuccess, Content: []byte("out"),
				AdditionalHeaders: map[string]string{"nextContentType": "image/thumb"}},
		},
		{
			name: "processor chain wins over configured one",
			processor: func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
				return &domain.ProcessResult{NextContentType: "text/ocr", Headers: map[string]string{"dpi": "300"}}, nil
			},
			chainTo: "image/thumb",
			want: domain.WorkerResponse{RequestID: "r1", Status: domain.ResponseSuccess,
				AdditionalHeaders: map[string]string{"nextContentType": "text/ocr", "dpi": "300"}},
		},
		{
			name: "failure",
			processor: func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
				return nil, errors.New("unsupported depth")
			},
			want: domain.WorkerResponse{RequestID: "r1", Status: domain.ResponseError, Messages: []string{"unsupported depth"}},
		},
		{
			name: "panic",
			processor: func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
				panic("boom")
			},
			want: domain.WorkerResponse{RequestID: "r1", Status: domain.ResponseError, Messages: []string{"panic: boom"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := &recordingResponder{}
			s := NewServer(tt.processor, responder, 1, tt.chainTo, "w1", discardLogger())

			s.Handle(context.Background(), &domain.ForwardedRequest{RequestID: "r1"})
			s.Wait()

			sent := responder.responses()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, *sent[0])
		})
	}
}

func TestServerBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0
	p := processorFunc(func(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return &domain.ProcessResult{}, nil
	})
	responder := &recordingResponder{}
	s := NewServer(p, responder, 2, "", "w1", discardLogger())

	go func() {
		for _, id := range []string{"r1", "r2", "r3", "r4"} {
			s.Handle(context.Background(), &domain.ForwardedRequest{RequestID: id})
		}
	}()
	require.Eventually(t, func() bool { return s.InFlight() == 2 }, time.Second, time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return len(responder.responses()) == 4 }, time.Second, time.Millisecond)
	s.Wait()
	assert.Equal(t, 2, peak)
	assert.Zero(t, s.InFlight())
}

func TestHeartbeaterReportsLoad(t *testing.T) {
	publisher := &recordingResponder{}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHeartbeater(publisher, "w1", "ocr", 4, []string{"image/png"}, time.Hour, func() int { return 3 }, discardLogger())
	h.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		return len(publisher.beats) == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, domain.Heartbeat{
		WorkerID: "w1", WorkerType: "ocr", Capacity: 4, InFlight: 3,
		ContentTypes: []string{"image/png"}, Timestamp: at,
	}, publisher.beats[0])
}
