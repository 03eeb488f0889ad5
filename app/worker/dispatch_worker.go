// Package worker runs the background consumers of the dispatch queue
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultPollTimeout = 5 * time.Second

var dispatchJobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "broadcast_dispatch_jobs_total",
		Help: "Dispatch queue jobs processed by kind and result",
	},
	[]string{"kind", "result"},
)

// DispatchWorker consumes the dispatch queue with a fixed pool of goroutines
type DispatchWorker struct {
	queue       services.DispatchQueue
	flow        businessflow.BroadcastDispatchFlow
	logger      *log.Logger
	workers     int
	maxRetries  int
	pollTimeout time.Duration

	wg sync.WaitGroup
}

func NewDispatchWorker(
	queue services.DispatchQueue,
	flow businessflow.BroadcastDispatchFlow,
	logger *log.Logger,
	workers int,
	maxRetries int,
) *DispatchWorker {
	if workers <= 0 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DispatchWorker{
		queue:       queue,
		flow:        flow,
		logger:      logger,
		workers:     workers,
		maxRetries:  maxRetries,
		pollTimeout: defaultPollTimeout,
	}
}

// Start requeues jobs a previous process left in flight, launches the pool and returns a stop function
// that waits for in-progress jobs to finish
func (w *DispatchWorker) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	if n, err := w.queue.Recover(ctx); err != nil {
		w.logger.Printf("worker: recover in-flight jobs failed: %v", err)
	} else if n > 0 {
		w.logger.Printf("worker: requeued %d in-flight jobs", n)
	}

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	w.logger.Printf("worker: started %d dispatch workers", w.workers)

	return func() {
		cancel()
		w.wg.Wait()
		w.logger.Printf("worker: stopped")
	}
}

func (w *DispatchWorker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("worker %d: dequeue failed: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		// jobs run to completion on a context that outlives shutdown so a send is never cut off halfway
		w.handle(context.WithoutCancel(ctx), job)
	}
}

func (w *DispatchWorker) handle(ctx context.Context, job *services.DispatchJob) {
	switch job.Kind {
	case services.DispatchJobEvent:
		w.handleEvent(ctx, job)
	case services.DispatchJobLinkTest:
		w.handleLinkTest(ctx, job)
	default:
		w.logger.Printf("worker: dropping job %s of unknown kind %q", job.ID, job.Kind)
		w.ack(ctx, job, "dropped")
	}
}

func (w *DispatchWorker) handleEvent(ctx context.Context, job *services.DispatchJob) {
	result, err := w.flow.Dispatch(ctx, job.EventID)
	if err == nil {
		switch {
		case result.Suppressed:
			w.logger.Printf("worker: event %s suppressed", job.EventID)
		case result.ProxyDisabled:
			w.logger.Printf("worker: event %s not sent, CBC proxy disabled", job.EventID)
		case result.AllFailed:
			w.logger.Printf("worker: event %s failed at every provider", job.EventID)
		default:
			w.logger.Printf("worker: event %s dispatched to %d providers", job.EventID, len(result.Providers))
		}
		w.ack(ctx, job, "done")
		return
	}

	if permanent(err) {
		w.logger.Printf("worker: event %s cannot be dispatched: %v", job.EventID, err)
		w.ack(ctx, job, "failed")
		return
	}

	if job.Retries >= w.maxRetries {
		w.logger.Printf("worker: giving up on event %s after %d retries: %v", job.EventID, job.Retries, err)
		w.ack(ctx, job, "exhausted")
		return
	}

	delay := utils.DispatchRetryDelay(job.Retries)
	w.logger.Printf("worker: dispatch of event %s failed, retry %d in %s: %v", job.EventID, job.Retries+1, delay, err)
	if rerr := w.queue.Retry(ctx, job, delay); rerr != nil {
		w.logger.Printf("worker: schedule retry of job %s failed: %v", job.ID, rerr)
		return
	}
	dispatchJobsTotal.WithLabelValues(job.Kind, "retried").Inc()
}

func (w *DispatchWorker) handleLinkTest(ctx context.Context, job *services.DispatchJob) {
	result, err := w.flow.TriggerLinkTest(ctx, models.BroadcastProvider(job.Provider), nil, nil)
	if err != nil {
		w.logger.Printf("worker: link test to %s failed: %v", job.Provider, err)
		w.ack(ctx, job, "failed")
		return
	}
	w.logger.Printf("worker: link test %s to %s returned %s", result.Identifier, job.Provider, result.Outcome)
	w.ack(ctx, job, "done")
}

func (w *DispatchWorker) ack(ctx context.Context, job *services.DispatchJob, result string) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Printf("worker: ack of job %s failed: %v", job.ID, err)
	}
	dispatchJobsTotal.WithLabelValues(job.Kind, result).Inc()
}

// permanent reports errors that no amount of retrying will fix
func permanent(err error) bool {
	return businessflow.IsBroadcastEventNotFound(err) ||
		businessflow.IsBroadcastMessageNotFound(err) ||
		errors.Is(err, businessflow.ErrNoEligibleProviders)
}
