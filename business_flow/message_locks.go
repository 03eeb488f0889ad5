package businessflow

import (
	"sync"

	"github.com/google/uuid"
)

// messageLocks serializes status transitions of one broadcast message inside this process.
// Locks are try-locks: a second caller gets false instead of waiting.
type messageLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newMessageLocks() *messageLocks {
	return &messageLocks{held: make(map[uuid.UUID]struct{})}
}

func (l *messageLocks) tryLock(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *messageLocks) unlock(id uuid.UUID) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
