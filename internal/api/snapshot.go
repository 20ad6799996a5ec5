package api

import (
	"runtime"
	"time"

	"ordinals-bidder/internal/engine"
	"ordinals-bidder/internal/events"
	"ordinals-bidder/internal/marketplace"
	"ordinals-bidder/internal/wallet"
	"ordinals-bidder/pkg/types"
)

// Status is the full /api/stats payload.
type Status struct {
	Runtime RuntimeInfo `json:"runtime"`

	Bids   engine.BidStats `json:"bids"`
	Events events.Stats    `json:"events"`

	Pacer      PacerInfo                        `json:"pacer"`
	Wallets    map[string][]wallet.WalletStatus `json:"wallets"`
	QueueDepth int                              `json:"queueDepth"`
	Stream     marketplace.StreamStats          `json:"stream"`

	BidHistory map[string]types.CollectionBidRecord `json:"bidHistory"`
}

// RuntimeInfo is the process-level slice of the status payload.
type RuntimeInfo struct {
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heapAllocMB"`
	NumGC         uint32    `json:"numGC"`
}

// PacerInfo is the global pacer's window state.
type PacerInfo struct {
	Used     int `json:"used"`
	Capacity int `json:"capacity"`
}

// NewRuntimeInfo captures the current process state.
func NewRuntimeInfo(startedAt time.Time) RuntimeInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeInfo{
		StartedAt:     startedAt,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(mem.HeapAlloc) / (1 << 20),
		NumGC:         mem.NumGC,
	}
}
