package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-dispatch/internal/domain"
)

var imageRoutes = map[string][]string{"image/raw": {"thumbnailer", "validator"}}

func TestDispatchForwardsToFirstCandidateWithCapacity(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"thumbnailer": 0, "validator": 2}))
	req := f.store(pendingRequest("r1", "image/raw"))

	outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})

	want := []domain.Outcome{{RequestID: "r1", Kind: domain.OutcomeForwarded, WorkerType: "validator"}}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Errorf("DispatchBatch() mismatch (-want +got):\n%s", diff)
	}

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "validator", sent[0].workerType, "thumbnailer has no capacity and must never be chosen")
	assert.Equal(t, &domain.ForwardedRequest{
		RequestID:     "r1",
		CorrelationID: "corr-r1",
		Tenant:        "acme",
		Source:        "uploader",
		Session:       "batch-7",
		ContentType:   "image/raw",
		DispatchCount: 1,
		Payload:       []byte("payload-r1"),
	}, sent[0].req)

	stored, err := f.repo.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDispatched, stored.Status)
	assert.Equal(t, 1, stored.DispatchCount)
	assert.Equal(t, "validator", stored.WorkerType)
	assert.Equal(t, testNow, stored.LastUpdateDate)
}

func TestDispatchPrefersEarlierCandidate(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"thumbnailer": 1, "validator": 5}))
	req := f.store(pendingRequest("r1", "image/raw"))

	outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})
	assert.Equal(t, "thumbnailer", outcomes[0].WorkerType)
}

func TestDispatchUnmappedContentTypeIsInvalid(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"thumbnailer": 9}))
	req := f.store(pendingRequest("r1", "video/mp4"))

	outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})
	assert.Equal(t, domain.OutcomeInvalid, outcomes[0].Kind)
	assert.Empty(t, f.publisher.sent())

	stored, err := f.repo.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalid, stored.Status)
	assert.Zero(t, stored.DispatchCount)
	assert.NotEmpty(t, stored.Messages)
}

func TestDispatchWithoutCapacityDefers(t *testing.T) {
	tests := []struct {
		name     string
		registry staticRegistry
	}{
		{"all candidates at zero", capacity(map[string]int{"thumbnailer": 0, "validator": 0})},
		{"candidates never seen", capacity(nil)},
		{"capacity only on unrelated type", capacity(map[string]int{"ocr": 4})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(imageRoutes, tt.registry)
			req := pendingRequest("r1", "image/raw")
			req.DispatchCount = 3
			f.store(req)

			outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})
			assert.Equal(t, domain.OutcomeNoWorkerAvailable, outcomes[0].Kind)
			assert.NoError(t, outcomes[0].Err)
			assert.Empty(t, f.publisher.sent())

			stored, err := f.repo.FindByID(context.Background(), "r1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusNoWorkerAvailable, stored.Status)
			assert.Equal(t, 3, stored.DispatchCount, "a deferral is not a delivery attempt")
		})
	}
}

func TestDispatchPublishFailureDefers(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"validator": 1}))
	f.publisher.err = errBroker
	req := f.store(pendingRequest("r1", "image/raw"))

	outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})
	assert.Equal(t, domain.OutcomeNoWorkerAvailable, outcomes[0].Kind)
	assert.ErrorIs(t, outcomes[0].Err, errBroker)

	stored, err := f.repo.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoWorkerAvailable, stored.Status)
	assert.Zero(t, stored.DispatchCount)
}

func TestDispatchSkipsNonPending(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"validator": 1}))
	req := pendingRequest("r1", "image/raw")
	req.Status = domain.StatusNoWorkerAvailable
	f.store(req)

	outcomes := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{req})
	assert.Equal(t, domain.OutcomeSkipped, outcomes[0].Kind)
	assert.ErrorIs(t, outcomes[0].Err, domain.ErrInvalidTransition)
	assert.Empty(t, f.publisher.sent())
}

func TestDispatchStaleCopyIsRejected(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"validator": 1}))
	f.store(pendingRequest("r1", "image/raw"))

	a, _ := f.repo.FindByID(context.Background(), "r1")
	b, _ := f.repo.FindByID(context.Background(), "r1")

	first := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{a})
	second := f.dispatcher.DispatchBatch(context.Background(), []*domain.Request{b})

	assert.Equal(t, domain.OutcomeForwarded, first[0].Kind)
	assert.ErrorIs(t, second[0].Err, domain.ErrConcurrentUpdate)

	stored, _ := f.repo.FindByID(context.Background(), "r1")
	assert.Equal(t, 1, stored.DispatchCount)
}

func TestDispatchBatchConcurrentPartitions(t *testing.T) {
	f := newFixture(imageRoutes, capacity(map[string]int{"validator": 1}))

	const partitions, perPartition = 4, 25
	batches := make([][]*domain.Request, partitions)
	for p := range batches {
		for i := 0; i < perPartition; i++ {
			batches[p] = append(batches[p], f.store(pendingRequest(fmt.Sprintf("p%d-%d", p, i), "image/raw")))
		}
	}

	var wg sync.WaitGroup
	results := make([][]domain.Outcome, partitions)
	for p := range batches {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			results[p] = f.dispatcher.DispatchBatch(context.Background(), batches[p])
		}(p)
	}
	wg.Wait()

	for _, outcomes := range results {
		require.Len(t, outcomes, perPartition)
		for _, o := range outcomes {
			assert.Equal(t, domain.OutcomeForwarded, o.Kind, "advisory capacity never blocks concurrent forwards")
		}
	}
	assert.Len(t, f.publisher.sent(), partitions*perPartition)
}
