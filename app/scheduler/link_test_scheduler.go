// Package scheduler runs periodic background jobs
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
)

// LinkTestScheduler periodically queues a link test for every enabled provider
type LinkTestScheduler struct {
	queue     services.DispatchQueue
	providers []string
	logger    *log.Logger
	interval  time.Duration
}

func NewLinkTestScheduler(
	queue services.DispatchQueue,
	providers []string,
	logger *log.Logger,
	interval time.Duration,
) *LinkTestScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LinkTestScheduler{
		queue:     queue,
		providers: providers,
		logger:    logger,
		interval:  interval,
	}
}

// Start launches the scheduler loop in a background goroutine and returns a stop function
func (s *LinkTestScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	return cancel
}

func (s *LinkTestScheduler) runOnce(ctx context.Context) {
	queued := 0
	for _, provider := range s.providers {
		if err := s.queue.EnqueueLinkTest(ctx, provider); err != nil {
			s.logger.Printf("scheduler: queue link test for %s failed: %v", provider, err)
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.Printf("scheduler: queued %d link tests", queued)
	}
}
