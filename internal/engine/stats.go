package engine

import "sync/atomic"

// Counters are the engine's cumulative bid counters. All fields are
// safe for concurrent update.
type Counters struct {
	bidsPlaced             atomic.Uint64
	counterBids            atomic.Uint64
	bidsFailed             atomic.Uint64
	skippedRecent          atomic.Uint64
	skippedGate            atomic.Uint64
	skippedTop             atomic.Uint64
	skippedWalletExhausted atomic.Uint64
	itemsWon               atomic.Uint64
}

// BidStats is the JSON view of the counters for the status endpoint.
type BidStats struct {
	BidsPlaced             uint64 `json:"bidsPlaced"`
	CounterBids            uint64 `json:"counterBids"`
	BidsFailed             uint64 `json:"bidsFailed"`
	SkippedRecent          uint64 `json:"skippedRecentBid"`
	SkippedGate            uint64 `json:"skippedSafetyGate"`
	SkippedTop             uint64 `json:"skippedAlreadyTop"`
	SkippedWalletExhausted uint64 `json:"skippedWalletExhausted"`
	ItemsWon               uint64 `json:"itemsWon"`
}

// Snapshot returns a point-in-time copy.
func (c *Counters) Snapshot() BidStats {
	return BidStats{
		BidsPlaced:             c.bidsPlaced.Load(),
		CounterBids:            c.counterBids.Load(),
		BidsFailed:             c.bidsFailed.Load(),
		SkippedRecent:          c.skippedRecent.Load(),
		SkippedGate:            c.skippedGate.Load(),
		SkippedTop:             c.skippedTop.Load(),
		SkippedWalletExhausted: c.skippedWalletExhausted.Load(),
		ItemsWon:               c.itemsWon.Load(),
	}
}
