package businessflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/redis/go-redis/v9"
)

// Numbering backends
const (
	NumberingBackendPostgres = "postgres"
	NumberingBackendRedis    = "redis"
	NumberingBackendMemory   = "memory"
)

// ProviderMessageNumbering hands out strictly increasing numbers that are never reused.
// A number allocated for a send that later fails is simply lost.
type ProviderMessageNumbering interface {
	Allocate(ctx context.Context) (int64, error)
}

// NewProviderMessageNumbering selects the backend by name
func NewProviderMessageNumbering(backend string, counters repository.SequenceCounterRepository, rc *redis.Client, keyPrefix string) (ProviderMessageNumbering, error) {
	switch backend {
	case NumberingBackendPostgres, "":
		if counters == nil {
			return nil, fmt.Errorf("postgres numbering requires a sequence counter repository")
		}
		return NewPostgresProviderMessageNumbering(counters), nil
	case NumberingBackendRedis:
		if rc == nil {
			return nil, fmt.Errorf("redis numbering requires a redis client")
		}
		return NewRedisProviderMessageNumbering(rc, keyPrefix), nil
	case NumberingBackendMemory:
		return NewMemoryProviderMessageNumbering(0), nil
	default:
		return nil, fmt.Errorf("unknown numbering backend %q", backend)
	}
}

// PostgresProviderMessageNumbering advances the sequence_counters row
type PostgresProviderMessageNumbering struct {
	counters repository.SequenceCounterRepository
}

func NewPostgresProviderMessageNumbering(counters repository.SequenceCounterRepository) *PostgresProviderMessageNumbering {
	return &PostgresProviderMessageNumbering{counters: counters}
}

// Allocate runs outside any transaction carried by ctx so a rolled back dispatch cannot hand the same number out twice
func (n *PostgresProviderMessageNumbering) Allocate(ctx context.Context) (int64, error) {
	value, err := n.counters.Next(withoutTx(ctx), utils.ProviderMessageNumberCounter)
	if err != nil {
		return 0, err
	}
	numbersAllocatedTotal.WithLabelValues(NumberingBackendPostgres).Inc()
	return value, nil
}

// RedisProviderMessageNumbering uses INCR on a single key
type RedisProviderMessageNumbering struct {
	rc  *redis.Client
	key string
}

func NewRedisProviderMessageNumbering(rc *redis.Client, keyPrefix string) *RedisProviderMessageNumbering {
	return &RedisProviderMessageNumbering{rc: rc, key: keyPrefix + "broadcast:provider_message_number"}
}

func (n *RedisProviderMessageNumbering) Allocate(ctx context.Context) (int64, error) {
	value, err := n.rc.Incr(ctx, n.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", n.key, err)
	}
	numbersAllocatedTotal.WithLabelValues(NumberingBackendRedis).Inc()
	return value, nil
}

// MemoryProviderMessageNumbering is a mutex-guarded in-process counter
type MemoryProviderMessageNumbering struct {
	mu   sync.Mutex
	last int64
}

// NewMemoryProviderMessageNumbering starts counting after start
func NewMemoryProviderMessageNumbering(start int64) *MemoryProviderMessageNumbering {
	return &MemoryProviderMessageNumbering{last: start}
}

func (n *MemoryProviderMessageNumbering) Allocate(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.last++
	value := n.last
	n.mu.Unlock()

	numbersAllocatedTotal.WithLabelValues(NumberingBackendMemory).Inc()
	return value, nil
}

// withoutTx drops the transaction carried by ctx
func withoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, repository.TxContextKey, nil)
}
