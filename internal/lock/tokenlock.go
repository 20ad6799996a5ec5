// Package lock provides the fine-grained mutual-exclusion primitives of
// the bidding agent: a FIFO per-token lock and a keyed mutex used to
// serialize per-collection counters.
package lock

import (
	"context"
	"sync"
	"time"
)

// staleAfter is how long a token lock may be held before a new acquirer
// forcibly reclaims it. Guards against a worker that died mid-bid.
const staleAfter = 60 * time.Second

// waiter is one queued acquirer. The holder hands the lock off by
// closing grant.
type waiter struct {
	grant chan struct{}
}

// TokenLock serializes concurrent work on the same token id. Contending
// acquirers are resumed strictly in arrival order.
type TokenLock struct {
	mu      sync.Mutex
	held    map[string]int64 // tokenID -> acquire time, epoch ms
	waiters map[string][]*waiter

	now func() time.Time
}

// NewTokenLock creates an empty token lock table.
func NewTokenLock() *TokenLock {
	return &TokenLock{
		held:    make(map[string]int64),
		waiters: make(map[string][]*waiter),
		now:     time.Now,
	}
}

// Acquire blocks until the caller holds the lock for tokenID or ctx is
// cancelled. A lock held longer than the stale timeout is forcibly
// reclaimed by the next acquirer.
func (l *TokenLock) Acquire(ctx context.Context, tokenID string) error {
	l.mu.Lock()
	nowMs := l.now().UnixMilli()

	ts, holding := l.held[tokenID]
	if !holding {
		l.held[tokenID] = nowMs
		l.mu.Unlock()
		return nil
	}
	if nowMs-ts >= staleAfter.Milliseconds() {
		// Holder is presumed dead. With no queue we take over directly;
		// otherwise the head waiter gets the lock and we queue behind it.
		queue := l.waiters[tokenID]
		if len(queue) == 0 {
			l.held[tokenID] = nowMs
			l.mu.Unlock()
			return nil
		}
		next := queue[0]
		l.waiters[tokenID] = queue[1:]
		l.held[tokenID] = nowMs
		close(next.grant)
	}

	w := &waiter{grant: make(chan struct{})}
	l.waiters[tokenID] = append(l.waiters[tokenID], w)
	l.mu.Unlock()

	select {
	case <-w.grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// Remove ourselves from the queue unless the handoff already
		// happened, in which case we own the lock and must pass it on.
		queue := l.waiters[tokenID]
		for i, qw := range queue {
			if qw == w {
				l.waiters[tokenID] = append(queue[:i], queue[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		l.Release(tokenID)
		return ctx.Err()
	}
}

// Release hands the lock to the next waiter in FIFO order, refreshing
// its timestamp, or deletes the entry when nobody is waiting.
func (l *TokenLock) Release(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.waiters[tokenID]
	if len(queue) == 0 {
		delete(l.held, tokenID)
		delete(l.waiters, tokenID)
		return
	}

	next := queue[0]
	l.waiters[tokenID] = queue[1:]
	l.held[tokenID] = l.now().UnixMilli()
	close(next.grant)
}

// Held returns the number of currently held token locks. Diagnostic.
func (l *TokenLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
