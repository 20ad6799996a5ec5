// Package engine is the central orchestrator of the bidding agent.
//
// It wires together all subsystems:
//
//  1. The push stream delivers marketplace activity to the event manager.
//  2. The event manager filters, dedupes and queues work; a bounded
//     worker set draws from it.
//  3. One scheduled loop per collection submits its bidding cycle to the
//     queue at normal priority; cycles place baseline bids through the
//     global pacer and the wallet pool.
//  4. The counter-bid handler reacts to competitor activity, bypassing
//     the pacer but still bound by per-wallet windows.
//  5. All bid state flows through the history store, which persists it
//     with a debounced atomic write.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"ordinals-bidder/internal/events"
	"ordinals-bidder/internal/history"
	"ordinals-bidder/internal/lock"
	"ordinals-bidder/internal/marketplace"
	"ordinals-bidder/internal/pacer"
	"ordinals-bidder/internal/wallet"
	"ordinals-bidder/pkg/types"
)

const (
	// maxWorkers caps the event worker set regardless of wallet count.
	maxWorkers = 20

	// cleanupInterval paces the background bid history cleanup.
	cleanupInterval = 10 * time.Minute

	// listingsLimit is how many cheapest listings a scheduled cycle
	// fetches per collection.
	listingsLimit = 20
)

// Marketplace is the surface of the REST client the engine depends on.
type Marketplace interface {
	GetFloorPrice(ctx context.Context, symbol string) (int64, error)
	GetCheapestListings(ctx context.Context, symbol string, limit int) ([]types.Listing, error)
	GetBestOffers(ctx context.Context, tokenID, buyerFilter string, limit int) ([]marketplace.Offer, error)
	GetBestCollectionOffers(ctx context.Context, symbol string, limit int) ([]marketplace.Offer, error)
	PlaceItemBid(ctx context.Context, req marketplace.BidRequest) error
	PlaceCollectionBid(ctx context.Context, req marketplace.BidRequest) error
	CancelOffer(ctx context.Context, offerID string, key *btcec.PrivateKey) error
}

// Deps are the wired subsystems the engine runs on.
type Deps struct {
	Collections []types.CollectionConfig
	Market      Marketplace
	Groups      *wallet.GroupManager
	Pacer       *pacer.Pacer
	Tokens      *lock.TokenLock
	Store       *history.Store
	Queue       *events.Manager
	Stream      *marketplace.Stream // nil when disabled (tests)
	Logger      *slog.Logger
}

// Engine owns the lifecycle of every goroutine in the agent.
type Engine struct {
	collections []types.CollectionConfig
	bySymbol    map[string]types.CollectionConfig

	market Marketplace
	groups *wallet.GroupManager
	pace   *pacer.Pacer
	tokens *lock.TokenLock
	store  *history.Store
	queue  *events.Manager
	stream *marketplace.Stream
	recent *recentBids

	// scheduledRunning holds the collections with a cycle in flight so
	// a collection never overlaps itself while others run in parallel.
	runningMu        sync.Mutex
	scheduledRunning map[string]bool

	stats Counters

	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine from its dependencies.
func New(d Deps) *Engine {
	bySymbol := make(map[string]types.CollectionConfig, len(d.Collections))
	for _, cfg := range d.Collections {
		bySymbol[cfg.CollectionSymbol] = cfg
	}
	return &Engine{
		collections:      d.Collections,
		bySymbol:         bySymbol,
		market:           d.Market,
		groups:           d.Groups,
		pace:             d.Pacer,
		tokens:           d.Tokens,
		store:            d.Store,
		queue:            d.Queue,
		stream:           d.Stream,
		recent:           newRecentBids(maxRecentBids),
		scheduledRunning: make(map[string]bool),
		logger:           d.Logger.With("component", "engine"),
		now:              time.Now,
	}
}

// Stats returns the engine's bid counters.
func (e *Engine) Stats() BidStats { return e.stats.Snapshot() }

// QueueDepth returns the work queue depth, for the status endpoint.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// Start launches the stream, workers, scheduled loops and the cleanup
// ticker, then opens the event gate. Non-blocking.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	for _, cfg := range e.collections {
		e.store.Init(cfg.CollectionSymbol, cfg.OfferType)
	}

	concurrency := e.groups.TotalWallets() * 4
	if concurrency > maxWorkers {
		concurrency = maxWorkers
	}
	if concurrency < 1 {
		concurrency = 1
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.queue.Run(ctx, concurrency, e.handleEvent)
	}()

	// Prior state is loaded: open the gate before anything can submit,
	// so SetReady never clears a freshly queued cycle task.
	e.queue.SetReady()

	if e.stream != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("push stream terminated", "error", err)
			}
		}()
	}

	for _, cfg := range e.collections {
		cfg := cfg
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scheduledLoop(ctx, cfg)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cleanupLoop(ctx)
	}()

	e.logger.Info("engine started",
		"collections", len(e.collections),
		"wallets", e.groups.TotalWallets(),
		"workers", concurrency,
		"pacer_capacity", e.pace.Capacity(),
	)
}

// Stop cancels every goroutine, waits for them to drain, and flushes
// the bid history synchronously.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.stream != nil {
		e.stream.Close()
	}
	e.wg.Wait()

	if err := e.store.ForceWrite(); err != nil {
		e.logger.Error("final bid history flush failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// tryBeginCycle claims the collection's cycle slot. Returns false when a
// cycle for the symbol is already in flight.
func (e *Engine) tryBeginCycle(symbol string) bool {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	if e.scheduledRunning[symbol] {
		return false
	}
	e.scheduledRunning[symbol] = true
	return true
}

func (e *Engine) endCycle(symbol string) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.scheduledRunning, symbol)
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.store.Cleanup(false)
		}
	}
}
