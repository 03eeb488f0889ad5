package scheduler

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkTestScheduler_QueuesEveryProvider(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()

	s := NewLinkTestScheduler(queue, []string{"ee", "vodafone"}, log.New(io.Discard, "", 0), time.Hour)
	stop := s.Start(context.Background())
	defer stop()

	require.Eventually(t, func() bool { return queue.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	var providers []string
	for i := 0; i < 2; i++ {
		job, err := queue.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, services.DispatchJobLinkTest, job.Kind)
		providers = append(providers, job.Provider)
	}
	assert.ElementsMatch(t, []string{"ee", "vodafone"}, providers)
}

func TestLinkTestScheduler_RunsOnEveryTick(t *testing.T) {
	queue := services.NewMemoryDispatchQueue()
	defer queue.Close()

	s := NewLinkTestScheduler(queue, []string{"three"}, log.New(io.Discard, "", 0), 20*time.Millisecond)
	stop := s.Start(context.Background())

	require.Eventually(t, func() bool { return queue.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestNewLinkTestScheduler_Defaults(t *testing.T) {
	s := NewLinkTestScheduler(services.NewMemoryDispatchQueue(), nil, nil, 0)
	assert.Equal(t, 5*time.Minute, s.interval)
	assert.NotNil(t, s.logger)
}
