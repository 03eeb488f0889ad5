package businessflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderMessageNumbering(t *testing.T) {
	store := newMemStore()

	n, err := NewProviderMessageNumbering(NumberingBackendPostgres, &fakeCounterRepo{s: store}, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &PostgresProviderMessageNumbering{}, n)

	n, err = NewProviderMessageNumbering("", &fakeCounterRepo{s: store}, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &PostgresProviderMessageNumbering{}, n)

	n, err = NewProviderMessageNumbering(NumberingBackendMemory, nil, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryProviderMessageNumbering{}, n)

	_, err = NewProviderMessageNumbering(NumberingBackendPostgres, nil, nil, "")
	assert.Error(t, err)

	_, err = NewProviderMessageNumbering(NumberingBackendRedis, nil, nil, "")
	assert.Error(t, err)

	_, err = NewProviderMessageNumbering("etcd", nil, nil, "")
	assert.Error(t, err)
}

func assertUniqueAndIncreasing(t *testing.T, n ProviderMessageNumbering) {
	t.Helper()

	const workers, perWorker = 16, 50
	results := make([][]int64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v, err := n.Allocate(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				results[w] = append(results[w], v)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers*perWorker)
	for _, values := range results {
		for i, v := range values {
			assert.False(t, seen[v], "number %d handed out twice", v)
			seen[v] = true
			if i > 0 {
				assert.Greater(t, v, values[i-1], "numbers seen by one caller must increase")
			}
		}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestMemoryProviderMessageNumbering_Concurrent(t *testing.T) {
	assertUniqueAndIncreasing(t, NewMemoryProviderMessageNumbering(0))
}

func TestPostgresProviderMessageNumbering_Concurrent(t *testing.T) {
	store := newMemStore()
	n := NewPostgresProviderMessageNumbering(&fakeCounterRepo{s: store})
	assertUniqueAndIncreasing(t, n)

	current, err := (&fakeCounterRepo{s: store}).Current(context.Background(), utils.ProviderMessageNumberCounter)
	require.NoError(t, err)
	assert.Equal(t, int64(16*50), current)
}

func TestPostgresProviderMessageNumbering_IgnoresCallerTransaction(t *testing.T) {
	var seen any = "unset"
	counters := &ctxRecordingCounter{fn: func(ctx context.Context) { seen = ctx.Value(repository.TxContextKey) }}

	ctx := context.WithValue(context.Background(), repository.TxContextKey, "open-tx")
	_, err := NewPostgresProviderMessageNumbering(counters).Allocate(ctx)
	require.NoError(t, err)
	assert.Nil(t, seen)
}

func TestPostgresProviderMessageNumbering_Error(t *testing.T) {
	store := newMemStore()
	store.failWith("counter.next", errors.New("connection reset"))

	_, err := NewPostgresProviderMessageNumbering(&fakeCounterRepo{s: store}).Allocate(context.Background())
	assert.Error(t, err)
}

func TestMemoryProviderMessageNumbering_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryProviderMessageNumbering(7).Allocate(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	v, err := NewMemoryProviderMessageNumbering(7).Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)
}

type ctxRecordingCounter struct {
	fn   func(context.Context)
	last int64
}

func (c *ctxRecordingCounter) Next(ctx context.Context, name string) (int64, error) {
	c.fn(ctx)
	c.last++
	return c.last, nil
}

func (c *ctxRecordingCounter) Current(ctx context.Context, name string) (int64, error) {
	return c.last, nil
}
