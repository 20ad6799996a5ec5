// scheduler.go runs the per-collection bidding loops. Each collection
// submits its cycle to the work queue at normal priority, so counter-bid
// events dispatch ahead of scheduled work on the shared worker set. A
// cycle fetches the cheapest listings, then bids on up to bidCount
// candidates, reserving a pacer slot before any marketplace I/O. A
// wallet-exhausted signal short-circuits the rest of the cycle without
// touching the pacer for the skipped candidates.
package engine

import (
	"context"
	"errors"
	"time"

	"ordinals-bidder/internal/marketplace"
	"ordinals-bidder/internal/pricing"
	"ordinals-bidder/internal/wallet"
	"ordinals-bidder/pkg/types"
)

// scheduledLoop submits one collection's cycles to the work queue until
// ctx is cancelled. Cycles run on the worker set at normal priority.
func (e *Engine) scheduledLoop(ctx context.Context, cfg types.CollectionConfig) {
	logger := e.logger.With("collection", cfg.CollectionSymbol)

	for {
		e.queue.SubmitTask(func(taskCtx context.Context) {
			if !e.tryBeginCycle(cfg.CollectionSymbol) {
				logger.Debug("previous cycle still running, skipping")
				return
			}
			defer e.endCycle(cfg.CollectionSymbol)
			e.runCycle(taskCtx, cfg)
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.LoopInterval()):
		}
	}
}

// runCycle executes one scheduled bidding pass for the collection.
func (e *Engine) runCycle(ctx context.Context, cfg types.CollectionConfig) {
	symbol := cfg.CollectionSymbol
	logger := e.logger.With("collection", symbol)

	if e.quantityReached(cfg) {
		logger.Debug("quantity target reached, skipping cycle", "target", cfg.Quantity)
		return
	}

	floor, err := e.market.GetFloorPrice(ctx, symbol)
	if err != nil {
		logger.Warn("floor price fetch failed, skipping cycle", "error", err)
		return
	}

	if cfg.OfferType == types.OfferTypeCollection {
		e.runCollectionCycle(ctx, cfg, floor)
		return
	}

	listings, err := e.market.GetCheapestListings(ctx, symbol, listingsLimit)
	if err != nil {
		logger.Warn("listings fetch failed, skipping cycle", "error", err)
		return
	}
	e.store.SetBottomListings(symbol, listings)

	walletExhausted := false
	successes := 0
	exhaustionLogged := false

	for _, listing := range listings {
		if ctx.Err() != nil {
			return
		}
		if successes >= cfg.BidCount {
			break
		}
		// A purchase may land mid-cycle and hit the target.
		if e.quantityReached(cfg) {
			logger.Info("quantity target reached mid-cycle", "target", cfg.Quantity)
			break
		}
		if walletExhausted {
			e.stats.skippedWalletExhausted.Add(1)
			continue
		}
		if e.recent.Recent(listing.ID) {
			e.stats.skippedRecent.Add(1)
			continue
		}
		if e.store.IsTop(symbol, listing.ID) {
			e.stats.skippedTop.Add(1)
			continue
		}

		placed, exhausted := e.bidOnToken(ctx, cfg, floor, listing.ID)
		if placed {
			successes++
		}
		if exhausted {
			walletExhausted = true
			if !exhaustionLogged {
				logger.Warn("wallet pool exhausted for cycle")
				exhaustionLogged = true
			}
		}
	}

	logger.Info("cycle complete",
		"bids_placed", successes,
		"candidates", len(listings),
		"floor", floor,
	)
}

// bidOnToken places one scheduled item bid. Returns whether a bid was
// placed and whether the wallet pool is exhausted.
func (e *Engine) bidOnToken(ctx context.Context, cfg types.CollectionConfig, floor int64, tokenID string) (placed, exhausted bool) {
	symbol := cfg.CollectionSymbol
	logger := e.logger.With("collection", symbol, "token", tokenID)

	slot, err := e.pace.ReserveSlot(ctx)
	if err != nil {
		return false, false
	}
	slotConsumed := false
	defer func() {
		if !slotConsumed {
			e.pace.ReleaseSlot(slot)
		}
	}()

	if err := e.tokens.Acquire(ctx, tokenID); err != nil {
		return false, false
	}
	defer e.tokens.Release(tokenID)

	offers, err := e.market.GetBestOffers(ctx, tokenID, "", 1)
	if err != nil {
		logger.Warn("best offers fetch failed", "error", err)
		e.stats.bidsFailed.Add(1)
		return false, false
	}

	minOffer := pricing.MinOffer(cfg, floor)
	maxOffer := pricing.MaxOffer(cfg, floor)

	bidPrice := minOffer
	if len(offers) > 0 {
		top := offers[0]
		if e.groups.OwnsAddress(top.BuyerPaymentAddress) {
			e.store.MarkTop(symbol, tokenID)
			e.stats.skippedTop.Add(1)
			return false, false
		}
		bidPrice = top.Price + pricing.OutbidAmount(cfg)
		if bidPrice < minOffer {
			bidPrice = minOffer
		}
	}

	if err := pricing.CheckBid(bidPrice, maxOffer, floor, cfg.OfferType); err != nil {
		logger.Debug("bid rejected by safety gate", "price", bidPrice, "reason", err)
		e.stats.skippedGate.Add(1)
		return false, false
	}

	w := e.groups.PoolFor(symbol).Acquire()
	if w == nil {
		return false, true
	}

	err = e.market.PlaceItemBid(ctx, marketplace.BidRequest{
		CollectionSymbol: symbol,
		TokenID:          tokenID,
		Price:            bidPrice,
		Expiration:       cfg.BidExpiration(e.now()),
		ReceiveAddress:   w.ReceiveAddress,
		PaymentAddress:   w.PaymentAddress,
		PaymentPubKey:    w.PaymentPubKey,
		FeeSatsPerVbyte:  cfg.FeeSatsPerVbyte,
		Key:              w.PrivKey(),
	})
	if err != nil {
		e.handleBidFailure(symbol, w, err)
		if errors.Is(err, marketplace.ErrWalletExhausted) {
			return false, true
		}
		logger.Warn("bid placement failed", "price", bidPrice, "error", err)
		return false, false
	}

	slotConsumed = true
	e.store.SetOurBid(symbol, tokenID, types.BidRecord{
		Price:          bidPrice,
		Expiration:     cfg.BidExpiration(e.now()),
		PaymentAddress: w.PaymentAddress,
	})
	e.recent.Add(tokenID)
	e.stats.bidsPlaced.Add(1)
	logger.Info("bid placed", "price", bidPrice, "wallet", w.Label)
	return true, false
}

// runCollectionCycle places or refreshes the single collection-wide
// offer, outbidding the current top competitor offer when one exists.
func (e *Engine) runCollectionCycle(ctx context.Context, cfg types.CollectionConfig, floor int64) {
	symbol := cfg.CollectionSymbol
	logger := e.logger.With("collection", symbol)

	slot, err := e.pace.ReserveSlot(ctx)
	if err != nil {
		return
	}
	slotConsumed := false
	defer func() {
		if !slotConsumed {
			e.pace.ReleaseSlot(slot)
		}
	}()

	offers, err := e.market.GetBestCollectionOffers(ctx, symbol, 1)
	if err != nil {
		logger.Warn("collection offers fetch failed, skipping cycle", "error", err)
		return
	}

	minOffer := pricing.MinOffer(cfg, floor)
	maxOffer := pricing.MaxOffer(cfg, floor)

	bidPrice := minOffer
	if len(offers) > 0 {
		top := offers[0]
		if e.groups.OwnsAddress(top.BuyerPaymentAddress) {
			// Ours is already on top.
			return
		}
		bidPrice = top.Price + pricing.OutbidAmount(cfg)
		if bidPrice < minOffer {
			bidPrice = minOffer
		}
	}
	if current := e.store.HighestCollectionOffer(symbol); current != nil && current.Price >= bidPrice {
		// Our outstanding offer already meets the required price.
		return
	}

	if err := pricing.CheckBid(bidPrice, maxOffer, floor, cfg.OfferType); err != nil {
		logger.Debug("collection bid rejected by safety gate", "price", bidPrice, "reason", err)
		e.stats.skippedGate.Add(1)
		return
	}

	w := e.groups.PoolFor(symbol).Acquire()
	if w == nil {
		logger.Warn("wallet pool exhausted for cycle")
		e.stats.skippedWalletExhausted.Add(1)
		return
	}

	err = e.market.PlaceCollectionBid(ctx, marketplace.BidRequest{
		CollectionSymbol: symbol,
		Price:            bidPrice,
		Expiration:       cfg.BidExpiration(e.now()),
		ReceiveAddress:   w.ReceiveAddress,
		PaymentAddress:   w.PaymentAddress,
		PaymentPubKey:    w.PaymentPubKey,
		FeeSatsPerVbyte:  cfg.FeeSatsPerVbyte,
		Key:              w.PrivKey(),
	})
	if err != nil {
		e.handleBidFailure(symbol, w, err)
		logger.Warn("collection bid failed", "price", bidPrice, "error", err)
		return
	}

	slotConsumed = true
	e.store.SetHighestCollectionOffer(symbol, &types.CollectionOffer{
		Price:          bidPrice,
		Expiration:     cfg.BidExpiration(e.now()),
		PaymentAddress: w.PaymentAddress,
	})
	e.stats.bidsPlaced.Add(1)
	logger.Info("collection bid placed", "price", bidPrice, "wallet", w.Label)
}

// quantityReached reports whether the collection already won its
// configured maximum of items. Zero means no cap.
func (e *Engine) quantityReached(cfg types.CollectionConfig) bool {
	return cfg.Quantity > 0 && e.store.Quantity(cfg.CollectionSymbol) >= cfg.Quantity
}

// handleBidFailure undoes the wallet pre-increment and sidelines the
// wallet when the marketplace rate-limited it.
func (e *Engine) handleBidFailure(symbol string, w *wallet.Entry, err error) {
	pool := e.groups.PoolFor(symbol)
	pool.DecrementBidCount(w.PaymentAddress)
	if errors.Is(err, marketplace.ErrWalletExhausted) {
		pool.DisableForWindow(w.PaymentAddress)
	}
	e.stats.bidsFailed.Add(1)
}
