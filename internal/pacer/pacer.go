// Package pacer implements the global bid pacer: a sliding 60-second
// window of unique reservation slots shared by every scheduled bidding
// loop.
//
// Capacity is the total number of bids all wallets may place per minute.
// A caller reserves a slot before any marketplace I/O, marks it consumed
// when a bid is actually accepted, and releases it otherwise. Slots that
// were consumed age out of the window naturally, which is what enforces
// the rate.
//
// The slot map holds unique monotonically increasing ids rather than a
// circular buffer: two reservations in the same millisecond must not
// alias, and releasing one must never release another.
package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const window = 60 * time.Second

// Pacer is the global sliding-window rate limiter.
type Pacer struct {
	mu       sync.Mutex
	slots    map[uint64]int64 // slotId -> reservation time, epoch ms
	nextID   uint64
	capacity int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a pacer with the given window capacity.
func New(capacity int) *Pacer {
	return &Pacer{
		slots:    make(map[uint64]int64),
		capacity: capacity,
		now:      time.Now,
	}
}

// Capacity returns the configured window capacity.
func (p *Pacer) Capacity() int { return p.capacity }

// ReserveSlot blocks until a slot is free inside the rolling window and
// returns its unique positive id. It fails only when ctx is cancelled
// (process shutdown).
func (p *Pacer) ReserveSlot(ctx context.Context) (uint64, error) {
	for {
		p.mu.Lock()
		nowMs := p.now().UnixMilli()
		p.expireLocked(nowMs)

		if len(p.slots) < p.capacity {
			p.nextID++
			id := p.nextID
			p.slots[id] = nowMs
			p.mu.Unlock()
			return id, nil
		}

		// Sleep until the oldest slot leaves the window, plus a little
		// jitter so concurrent waiters don't stampede.
		oldest := nowMs
		for _, ts := range p.slots {
			if ts < oldest {
				oldest = ts
			}
		}
		wait := time.Duration(oldest+window.Milliseconds()-nowMs) * time.Millisecond
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		wait += time.Duration(rand.Intn(50)) * time.Millisecond
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ReleaseSlot removes a slot immediately. Unknown ids (including 0) are
// a no-op, so callers may release unconditionally on their exit path.
func (p *Pacer) ReleaseSlot(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, id)
}

// Used returns the number of slots still inside the window. Diagnostic.
func (p *Pacer) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked(p.now().UnixMilli())
	return len(p.slots)
}

func (p *Pacer) expireLocked(nowMs int64) {
	cutoff := nowMs - window.Milliseconds()
	for id, ts := range p.slots {
		if ts <= cutoff {
			delete(p.slots, id)
		}
	}
}
