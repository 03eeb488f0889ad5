package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatchFlow struct {
	mu        sync.Mutex
	calls     map[uuid.UUID]int
	failures  int
	err       error
	linkTests []models.BroadcastProvider
	done      chan uuid.UUID
}

func newFakeDispatchFlow() *fakeDispatchFlow {
	return &fakeDispatchFlow{calls: make(map[uuid.UUID]int), done: make(chan uuid.UUID, 16)}
}

func (f *fakeDispatchFlow) Dispatch(ctx context.Context, eventID uuid.UUID) (*businessflow.DispatchResult, error) {
	f.mu.Lock()
	f.calls[eventID]++
	fail := f.calls[eventID] <= f.failures
	err := f.err
	f.mu.Unlock()

	defer func() { f.done <- eventID }()
	if err != nil {
		return nil, err
	}
	if fail {
		return &businessflow.DispatchResult{EventID: eventID}, errors.New("database unavailable")
	}
	return &businessflow.DispatchResult{EventID: eventID}, nil
}

func (f *fakeDispatchFlow) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, outcome services.TransmissionOutcome, metadata *businessflow.ClientMetadata) (*models.BroadcastProviderMessage, error) {
	return nil, nil
}

func (f *fakeDispatchFlow) TriggerLinkTest(ctx context.Context, provider models.BroadcastProvider, actorID *uuid.UUID, metadata *businessflow.ClientMetadata) (*businessflow.LinkTestResult, error) {
	f.mu.Lock()
	f.linkTests = append(f.linkTests, provider)
	f.mu.Unlock()
	f.done <- uuid.Nil
	return &businessflow.LinkTestResult{Identifier: uuid.New(), Provider: provider, Outcome: services.TransmissionAck}, nil
}

func (f *fakeDispatchFlow) callsFor(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func waitFor(t *testing.T, done <-chan uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func newTestWorker(queue services.DispatchQueue, flow businessflow.BroadcastDispatchFlow, maxRetries int) *DispatchWorker {
	w := NewDispatchWorker(queue, flow, log.New(io.Discard, "", 0), 2, maxRetries)
	w.pollTimeout = 50 * time.Millisecond
	return w
}

func TestDispatchWorker_DispatchesQueuedEvents(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()
	flow := newFakeDispatchFlow()

	stop := newTestWorker(queue, flow, 3).Start(context.Background())
	defer stop()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, queue.Enqueue(context.Background(), id))
	}
	require.NoError(t, queue.EnqueueLinkTest(context.Background(), "vodafone"))

	waitFor(t, flow.done, 4)
	for _, id := range ids {
		assert.Equal(t, 1, flow.callsFor(id))
	}
	assert.Equal(t, []models.BroadcastProvider{models.BroadcastProviderVodafone}, flow.linkTests)
}

func TestDispatchWorker_RetriesInfrastructureErrors(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()
	flow := newFakeDispatchFlow()
	flow.failures = 1

	stop := newTestWorker(queue, flow, 3).Start(context.Background())
	defer stop()

	id := uuid.New()
	require.NoError(t, queue.Enqueue(context.Background(), id))

	// the first retry waits DispatchRetryDelay(0), one second
	waitFor(t, flow.done, 2)
	assert.Equal(t, 2, flow.callsFor(id))
}

func TestDispatchWorker_GivesUp(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()
	flow := newFakeDispatchFlow()
	flow.failures = 100

	stop := newTestWorker(queue, flow, 0).Start(context.Background())
	defer stop()

	id := uuid.New()
	require.NoError(t, queue.Enqueue(context.Background(), id))
	waitFor(t, flow.done, 1)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, flow.callsFor(id))
	assert.Zero(t, queue.Len())
}

func TestDispatchWorker_PermanentErrorsAreNotRetried(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()
	flow := newFakeDispatchFlow()
	flow.err = businessflow.ErrBroadcastEventNotFound

	stop := newTestWorker(queue, flow, 5).Start(context.Background())
	defer stop()

	id := uuid.New()
	require.NoError(t, queue.Enqueue(context.Background(), id))
	waitFor(t, flow.done, 1)

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, flow.callsFor(id))
}

func TestDispatchWorker_RecoversInFlightJobs(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()

	id := uuid.New()
	require.NoError(t, queue.Enqueue(context.Background(), id))
	job, err := queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	flow := newFakeDispatchFlow()
	stop := newTestWorker(queue, flow, 3).Start(context.Background())
	defer stop()

	waitFor(t, flow.done, 1)
	assert.Equal(t, 1, flow.callsFor(id))
}

func TestPermanent(t *testing.T) {
	assert.True(t, permanent(businessflow.ErrBroadcastEventNotFound))
	assert.True(t, permanent(businessflow.ErrNoEligibleProviders))
	assert.False(t, permanent(errors.New("timeout")))
}
