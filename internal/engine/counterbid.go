// counterbid.go reacts to dispatched marketplace events: competitor
// offers we may need to outbid, cancellations that may leave us on top,
// and broadcasted purchases that close out an item.
//
// Counter-bids bypass the global pacer. They are rare and time-critical,
// and each wallet's own window still bounds them.
package engine

import (
	"context"
	"errors"

	"ordinals-bidder/internal/marketplace"
	"ordinals-bidder/internal/pricing"
	"ordinals-bidder/pkg/types"
)

// handleEvent is the queue worker entry point for surviving events.
func (e *Engine) handleEvent(ctx context.Context, evt types.Event) {
	cfg, ok := e.bySymbol[evt.CollectionSymbol]
	if !ok {
		return
	}
	e.store.TouchActivity(evt.CollectionSymbol)

	switch evt.Kind {
	case types.KindOfferPlaced:
		e.handleOfferPlaced(ctx, cfg, evt)
	case types.KindOfferCancelled:
		e.handleOfferCancelled(ctx, cfg, evt)
	case types.KindCollOfferCreated, types.KindCollOfferEdited:
		e.handleCollectionOffer(ctx, cfg, evt)
	case types.KindCollOfferCancelled:
		e.handleCollectionOfferCancelled(ctx, cfg, evt)
	case types.KindBuyingBroadcasted, types.KindOfferAcceptedBroadcasted, types.KindCollOfferFulfillBroadcasted:
		e.handlePurchase(ctx, evt)
	}
}

// handleOfferPlaced decides whether a competitor's item offer needs a
// counter-bid.
func (e *Engine) handleOfferPlaced(ctx context.Context, cfg types.CollectionConfig, evt types.Event) {
	if !cfg.EnableCounterBidding || cfg.OfferType != types.OfferTypeItem || evt.TokenID == "" {
		return
	}
	symbol := cfg.CollectionSymbol

	// Only tokens in the current bottom-listings snapshot are targets.
	if !e.store.InBottomListings(symbol, evt.TokenID) {
		return
	}
	ours, bidding := e.store.GetBid(symbol, evt.TokenID)
	if !bidding {
		return
	}

	logger := e.logger.With("collection", symbol, "token", evt.TokenID)

	switch {
	case evt.ListedPrice < ours.Price:
		// Still ahead.
		return

	case evt.ListedPrice == ours.Price:
		// Equal price: ask the marketplace who is actually on top.
		offers, err := e.market.GetBestOffers(ctx, evt.TokenID, "", 1)
		if err != nil {
			logger.Warn("top offer query failed, skipping tie-break", "error", err)
			return
		}
		if len(offers) == 0 {
			return
		}
		top := offers[0]
		if e.groups.OwnsAddress(top.BuyerPaymentAddress) {
			e.store.MarkTop(symbol, evt.TokenID)
			return
		}
		e.counterBid(ctx, cfg, evt.TokenID, top.Price)

	default: // evt.ListedPrice > ours.Price
		e.store.ClearTop(symbol, evt.TokenID)
		e.counterBid(ctx, cfg, evt.TokenID, evt.ListedPrice)
	}
}

// handleOfferCancelled re-evaluates a token after a competitor pulled
// an offer: we may already be top, or may need to counter the new top.
func (e *Engine) handleOfferCancelled(ctx context.Context, cfg types.CollectionConfig, evt types.Event) {
	if !cfg.EnableCounterBidding || cfg.OfferType != types.OfferTypeItem || evt.TokenID == "" {
		return
	}
	symbol := cfg.CollectionSymbol

	ours, bidding := e.store.GetBid(symbol, evt.TokenID)
	if !bidding {
		return
	}

	offers, err := e.market.GetBestOffers(ctx, evt.TokenID, "", 1)
	if err != nil {
		e.logger.Warn("top offer query failed after cancellation",
			"collection", symbol, "token", evt.TokenID, "error", err)
		return
	}
	if len(offers) == 0 || e.groups.OwnsAddress(offers[0].BuyerPaymentAddress) {
		e.store.MarkTop(symbol, evt.TokenID)
		return
	}
	if offers[0].Price < ours.Price {
		return
	}
	e.counterBid(ctx, cfg, evt.TokenID, offers[0].Price)
}

// counterBid places an outbid at topPrice plus the configured margin,
// gated by the collection's max offer.
func (e *Engine) counterBid(ctx context.Context, cfg types.CollectionConfig, tokenID string, topPrice int64) {
	symbol := cfg.CollectionSymbol
	logger := e.logger.With("collection", symbol, "token", tokenID)

	if e.quantityReached(cfg) {
		return
	}
	if err := e.tokens.Acquire(ctx, tokenID); err != nil {
		return
	}
	defer e.tokens.Release(tokenID)

	floor, err := e.market.GetFloorPrice(ctx, symbol)
	if err != nil {
		logger.Warn("floor price fetch failed, skipping counter-bid", "error", err)
		return
	}

	newPrice := topPrice + pricing.OutbidAmount(cfg)
	maxOffer := pricing.MaxOffer(cfg, floor)
	if err := pricing.CheckBid(newPrice, maxOffer, floor, cfg.OfferType); err != nil {
		logger.Info("counter-bid rejected by safety gate", "price", newPrice, "reason", err)
		e.stats.skippedGate.Add(1)
		return
	}

	w := e.groups.PoolFor(symbol).Acquire()
	if w == nil {
		e.stats.skippedWalletExhausted.Add(1)
		return
	}

	err = e.market.PlaceItemBid(ctx, marketplace.BidRequest{
		CollectionSymbol: symbol,
		TokenID:          tokenID,
		Price:            newPrice,
		Expiration:       cfg.BidExpiration(e.now()),
		ReceiveAddress:   w.ReceiveAddress,
		PaymentAddress:   w.PaymentAddress,
		PaymentPubKey:    w.PaymentPubKey,
		FeeSatsPerVbyte:  cfg.FeeSatsPerVbyte,
		Key:              w.PrivKey(),
	})
	if err != nil {
		e.handleBidFailure(symbol, w, err)
		if !errors.Is(err, marketplace.ErrWalletExhausted) {
			logger.Warn("counter-bid failed", "price", newPrice, "error", err)
		}
		return
	}

	e.store.SetOurBid(symbol, tokenID, types.BidRecord{
		Price:          newPrice,
		Expiration:     cfg.BidExpiration(e.now()),
		PaymentAddress: w.PaymentAddress,
	})
	e.recent.Add(tokenID)
	e.stats.bidsPlaced.Add(1)
	e.stats.counterBids.Add(1)
	logger.Info("counter-bid placed", "price", newPrice, "wallet", w.Label)
}

// handleCollectionOffer counters a competitor's collection-wide offer
// when it tops ours.
func (e *Engine) handleCollectionOffer(ctx context.Context, cfg types.CollectionConfig, evt types.Event) {
	if !cfg.EnableCounterBidding || cfg.OfferType != types.OfferTypeCollection {
		return
	}
	symbol := cfg.CollectionSymbol
	logger := e.logger.With("collection", symbol)

	ours := e.store.HighestCollectionOffer(symbol)
	if ours == nil || evt.ListedPrice < ours.Price {
		return
	}
	if e.quantityReached(cfg) {
		return
	}

	floor, err := e.market.GetFloorPrice(ctx, symbol)
	if err != nil {
		logger.Warn("floor price fetch failed, skipping collection counter", "error", err)
		return
	}

	newPrice := evt.ListedPrice + pricing.OutbidAmount(cfg)
	maxOffer := pricing.MaxOffer(cfg, floor)
	if err := pricing.CheckBid(newPrice, maxOffer, floor, cfg.OfferType); err != nil {
		logger.Info("collection counter rejected by safety gate", "price", newPrice, "reason", err)
		e.stats.skippedGate.Add(1)
		return
	}

	w := e.groups.PoolFor(symbol).Acquire()
	if w == nil {
		e.stats.skippedWalletExhausted.Add(1)
		return
	}

	err = e.market.PlaceCollectionBid(ctx, marketplace.BidRequest{
		CollectionSymbol: symbol,
		Price:            newPrice,
		Expiration:       cfg.BidExpiration(e.now()),
		ReceiveAddress:   w.ReceiveAddress,
		PaymentAddress:   w.PaymentAddress,
		PaymentPubKey:    w.PaymentPubKey,
		FeeSatsPerVbyte:  cfg.FeeSatsPerVbyte,
		Key:              w.PrivKey(),
	})
	if err != nil {
		e.handleBidFailure(symbol, w, err)
		logger.Warn("collection counter failed", "price", newPrice, "error", err)
		return
	}

	e.store.SetHighestCollectionOffer(symbol, &types.CollectionOffer{
		Price:          newPrice,
		Expiration:     cfg.BidExpiration(e.now()),
		PaymentAddress: w.PaymentAddress,
	})
	e.stats.bidsPlaced.Add(1)
	e.stats.counterBids.Add(1)
	logger.Info("collection counter placed", "price", newPrice, "wallet", w.Label)
}

// handleCollectionOfferCancelled re-evaluates our collection offer
// after a competitor withdrew theirs.
func (e *Engine) handleCollectionOfferCancelled(ctx context.Context, cfg types.CollectionConfig, evt types.Event) {
	if cfg.OfferType != types.OfferTypeCollection {
		return
	}
	if e.store.HighestCollectionOffer(cfg.CollectionSymbol) == nil {
		return
	}
	// The withdrawn competitor may have been the one we were countering;
	// the next scheduled cycle refreshes at the configured minimum.
	e.logger.Debug("competitor collection offer withdrawn",
		"collection", cfg.CollectionSymbol)
}

// handlePurchase credits a won item when the buyer is one of our
// wallets and retires the matching bid record.
func (e *Engine) handlePurchase(ctx context.Context, evt types.Event) {
	symbol := evt.CollectionSymbol

	if e.groups.OwnsAddress(evt.BuyerPaymentAddress) || e.groups.OwnsAddress(evt.NewOwner) {
		q := e.store.IncrementQuantity(ctx, symbol)
		e.stats.itemsWon.Add(1)
		e.logger.Info("item won", "collection", symbol, "token", evt.TokenID, "quantity", q)
	}

	// Sold tokens are no longer biddable either way.
	if evt.TokenID != "" {
		e.store.RemoveOurBid(symbol, evt.TokenID)
	}
}
