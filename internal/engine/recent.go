package engine

import (
	"sync"
	"time"
)

const (
	// recentBidCooldown is how long a token stays off-limits to the
	// scheduled loop after we bid on it.
	recentBidCooldown = 30 * time.Second

	// maxRecentBids caps the tracker; the oldest entry is evicted when
	// a new one would exceed it.
	maxRecentBids = 1000
)

// recentBids is a size-capped insertion-ordered set of recently bid
// tokens. It keeps the scheduled loop from re-bidding a token it just
// bid on while the marketplace still shows the stale state.
type recentBids struct {
	mu    sync.Mutex
	at    map[string]time.Time
	order []string
	cap   int

	now func() time.Time
}

func newRecentBids(capacity int) *recentBids {
	if capacity <= 0 {
		capacity = maxRecentBids
	}
	return &recentBids{
		at:  make(map[string]time.Time),
		cap: capacity,
		now: time.Now,
	}
}

// Add records a bid on the token, evicting the oldest entry when full.
func (r *recentBids) Add(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.at[tokenID]; !ok {
		if len(r.order) >= r.cap {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.at, oldest)
		}
		r.order = append(r.order, tokenID)
	}
	r.at[tokenID] = r.now()
}

// Recent reports whether the token was bid on within the cooldown.
func (r *recentBids) Recent(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.at[tokenID]
	return ok && r.now().Sub(ts) < recentBidCooldown
}

// Len returns the tracked token count.
func (r *recentBids) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
