package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/infra/memory"
	"worker-dispatch/internal/router"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type forward struct {
	workerType string
	req        *domain.ForwardedRequest
}

type recordingPublisher struct {
	mu       sync.Mutex
	forwards []forward
	err      error
}

func (p *recordingPublisher) Forward(ctx context.Context, workerType string, req *domain.ForwardedRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.forwards = append(p.forwards, forward{workerType: workerType, req: req})
	return nil
}

func (p *recordingPublisher) sent() []forward {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]forward(nil), p.forwards...)
}

// staticRegistry serves a fixed snapshot.
type staticRegistry domain.Snapshot

func (s staticRegistry) RecordHeartbeat(domain.Heartbeat) bool { return false }
func (s staticRegistry) Snapshot() domain.Snapshot         { return domain.Snapshot(s) }

func capacity(byType map[string]int) staticRegistry {
	snap := staticRegistry{}
	for name, free := range byType {
		live := 0
		if free > 0 {
			live = 1
		}
		snap[name] = domain.WorkerTypeStatus{Name: name, LiveInstances: live, TotalFreeCapacity: free}
	}
	return snap
}

type recordingDispatcher struct {
	mu    sync.Mutex
	batch []*domain.Request
}

func (d *recordingDispatcher) DispatchBatch(ctx context.Context, reqs []*domain.Request) []domain.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Outcome, 0, len(reqs))
	for _, r := range reqs {
		d.batch = append(d.batch, r.Clone())
		out = append(out, domain.Outcome{RequestID: r.ID, Kind: domain.OutcomeSkipped})
	}
	return out
}

var errBroker = errors.New("broker unavailable")

type fixture struct {
	repo       domain.RequestRepository
	publisher  *recordingPublisher
	dispatcher *Dispatcher
}

func newFixture(routes map[string][]string, reg domain.Registry) *fixture {
	repo := memory.NewRequestRepository()
	pub := &recordingPublisher{}
	d := NewDispatcher(router.New(routes, discardLogger()), reg, pub, repo, discardLogger())
	d.now = func() time.Time { return testNow }
	return &fixture{repo: repo, publisher: pub, dispatcher: d}
}

func (f *fixture) store(req *domain.Request) *domain.Request {
	if err := f.repo.Save(context.Background(), req); err != nil {
		panic(err)
	}
	return req
}

func pendingRequest(id, contentType string) *domain.Request {
	return &domain.Request{
		ID:             id,
		CorrelationID:  "corr-" + id,
		Tenant:         "acme",
		Source:         "uploader",
		Session:        "batch-7",
		ContentType:    contentType,
		Payload:        []byte("payload-" + id),
		Status:         domain.StatusPending,
		CreatedAt:      testNow.Add(-time.Minute),
		LastUpdateDate: testNow.Add(-time.Minute),
	}
}
