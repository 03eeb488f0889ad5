package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Dispatch job kinds
const (
	DispatchJobEvent    = "event"
	DispatchJobLinkTest = "link_test"
)

// DispatchJob is one unit of work for the dispatch worker. Delivery is at-least-once.
type DispatchJob struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	EventID    uuid.UUID `json:"event_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	raw string
}

// DispatchQueue carries broadcast events from the transition that created them to the worker that sends them
type DispatchQueue interface {
	Enqueue(ctx context.Context, eventID uuid.UUID) error
	EnqueueLinkTest(ctx context.Context, provider string) error
	// Dequeue waits up to timeout for a job; it returns nil, nil when none arrived
	Dequeue(ctx context.Context, timeout time.Duration) (*DispatchJob, error)
	// Ack removes a finished job
	Ack(ctx context.Context, job *DispatchJob) error
	// Retry acks job and schedules a copy with Retries+1 after delay
	Retry(ctx context.Context, job *DispatchJob, delay time.Duration) error
	// Recover puts jobs left in flight by a crashed worker back on the queue
	Recover(ctx context.Context) (int, error)
}

func newJob(kind string, eventID uuid.UUID, provider string) *DispatchJob {
	return &DispatchJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		EventID:    eventID,
		Provider:   provider,
		EnqueuedAt: utils.UTCNow(),
	}
}

// RedisDispatchQueue is a reliable queue over a redis list pair plus a sorted set of delayed retries
type RedisDispatchQueue struct {
	rc            *redis.Client
	pendingKey    string
	processingKey string
	delayedKey    string
}

// NewRedisDispatchQueue creates a queue whose keys live under prefix
func NewRedisDispatchQueue(rc *redis.Client, prefix, name string) *RedisDispatchQueue {
	base := prefix + "queue:" + name
	return &RedisDispatchQueue{
		rc:            rc,
		pendingKey:    base,
		processingKey: base + ":processing",
		delayedKey:    base + ":delayed",
	}
}

func (q *RedisDispatchQueue) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	return q.push(ctx, newJob(DispatchJobEvent, eventID, ""))
}

func (q *RedisDispatchQueue) EnqueueLinkTest(ctx context.Context, provider string) error {
	return q.push(ctx, newJob(DispatchJobLinkTest, uuid.Nil, provider))
}

func (q *RedisDispatchQueue) push(ctx context.Context, job *DispatchJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}
	if err := q.rc.LPush(ctx, q.pendingKey, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue dispatch job: %w", err)
	}
	return nil
}

func (q *RedisDispatchQueue) Dequeue(ctx context.Context, timeout time.Duration) (*DispatchJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	raw, err := q.rc.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue dispatch job: %w", err)
	}

	var job DispatchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable payloads would be redelivered forever
		q.rc.LRem(ctx, q.processingKey, 1, raw)
		return nil, fmt.Errorf("failed to decode dispatch job: %w", err)
	}
	job.raw = raw
	return &job, nil
}

// promoteDue moves delayed jobs whose time has come onto the pending list
func (q *RedisDispatchQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(utils.UTCNow().UnixMilli(), 10)
	due, err := q.rc.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed dispatch jobs: %w", err)
	}
	for _, raw := range due {
		removed, err := q.rc.ZRem(ctx, q.delayedKey, raw).Result()
		if err != nil {
			return fmt.Errorf("failed to claim delayed dispatch job: %w", err)
		}
		if removed == 0 {
			continue // another worker claimed it
		}
		if err := q.rc.LPush(ctx, q.pendingKey, raw).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed dispatch job: %w", err)
		}
	}
	return nil
}

func (q *RedisDispatchQueue) Ack(ctx context.Context, job *DispatchJob) error {
	if err := q.rc.LRem(ctx, q.processingKey, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack dispatch job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisDispatchQueue) Retry(ctx context.Context, job *DispatchJob, delay time.Duration) error {
	next := *job
	next.Retries++
	next.raw = ""
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	score := float64(utils.UTCNow().Add(delay).UnixMilli())
	pipe := q.rc.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: score, Member: string(raw)})
	pipe.LRem(ctx, q.processingKey, 1, job.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry of dispatch job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisDispatchQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.rc.LMove(ctx, q.processingKey, q.pendingKey, "RIGHT", "RIGHT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, fmt.Errorf("failed to recover in-flight dispatch jobs: %w", err)
		}
		moved++
	}
}

// MemoryDispatchQueue is an in-process DispatchQueue for tests and single-node development
type MemoryDispatchQueue struct {
	mu         sync.Mutex
	pending    []*DispatchJob
	processing map[string]*DispatchJob
	notify     chan struct{}
	timers     []*time.Timer
}

func NewMemoryDispatchQueue() *MemoryDispatchQueue {
	return &MemoryDispatchQueue{
		processing: make(map[string]*DispatchJob),
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryDispatchQueue) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	q.push(newJob(DispatchJobEvent, eventID, ""))
	return nil
}

func (q *MemoryDispatchQueue) EnqueueLinkTest(ctx context.Context, provider string) error {
	q.push(newJob(DispatchJobLinkTest, uuid.Nil, provider))
	return nil
}

func (q *MemoryDispatchQueue) push(job *DispatchJob) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryDispatchQueue) Dequeue(ctx context.Context, timeout time.Duration) (*DispatchJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[job.ID] = job
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryDispatchQueue) Ack(ctx context.Context, job *DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	return nil
}

func (q *MemoryDispatchQueue) Retry(ctx context.Context, job *DispatchJob, delay time.Duration) error {
	next := *job
	next.Retries++

	q.mu.Lock()
	delete(q.processing, job.ID)
	q.timers = append(q.timers, time.AfterFunc(delay, func() { q.push(&next) }))
	q.mu.Unlock()
	return nil
}

func (q *MemoryDispatchQueue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	jobs := make([]*DispatchJob, 0, len(q.processing))
	for id, job := range q.processing {
		jobs = append(jobs, job)
		delete(q.processing, id)
	}
	q.mu.Unlock()

	for _, job := range jobs {
		q.push(job)
	}
	return len(jobs), nil
}

// Len returns the number of pending jobs
func (q *MemoryDispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops pending retry timers
func (q *MemoryDispatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
