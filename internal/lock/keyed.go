package lock

import (
	"context"
	"sync"
)

// Keyed is a mutex table indexed by string key. Unlike TokenLock it has
// no stale reclaim or FIFO guarantee; it exists to serialize short
// critical sections such as the per-collection items-won counter.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]chan struct{} // present and filled = held
}

// NewKeyed creates an empty keyed mutex table.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]chan struct{})}
}

func (k *Keyed) get(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

// TryAcquire takes the lock for key without blocking. Returns false if
// another caller holds it.
func (k *Keyed) TryAcquire(key string) bool {
	select {
	case k.get(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the lock for key is held or ctx is cancelled.
func (k *Keyed) Acquire(ctx context.Context, key string) error {
	select {
	case k.get(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (k *Keyed) Release(key string) {
	select {
	case <-k.get(key):
	default:
	}
}
