// Package pricing computes offer bounds and enforces the bid safety
// gates. All outputs are integer satoshis; BTC-denominated configuration
// values are converted with decimal arithmetic so bounds never drift by
// a sat from float rounding.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ordinals-bidder/pkg/types"
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

// btcToSats converts a BTC amount to satoshis, rounded half-up.
func btcToSats(btc float64) int64 {
	return decimal.NewFromFloat(btc).Mul(satsPerBTC).Round(0).IntPart()
}

// pctOfFloor returns pct% of the floor price in sats, rounded half-up.
func pctOfFloor(pct float64, floor int64) int64 {
	return decimal.NewFromInt(floor).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Round(0).IntPart()
}

// MinOffer returns the lowest price we are willing to bid: the greater
// of the absolute minimum and the floor-relative minimum.
func MinOffer(cfg types.CollectionConfig, floor int64) int64 {
	abs := btcToSats(cfg.MinBid)
	rel := pctOfFloor(cfg.MinFloorBid, floor)
	if rel > abs {
		return rel
	}
	return abs
}

// MaxOffer returns the highest price we are willing to bid: the lesser
// of the absolute maximum and the floor-relative maximum.
func MaxOffer(cfg types.CollectionConfig, floor int64) int64 {
	abs := btcToSats(cfg.MaxBid)
	rel := pctOfFloor(cfg.MaxFloorBid, floor)
	if rel < abs {
		return rel
	}
	return abs
}

// OutbidAmount returns the margin added on top of a competitor's price.
// Never less than one sat, so a counter-bid is always strictly above.
func OutbidAmount(cfg types.CollectionConfig) int64 {
	margin := btcToSats(cfg.OutBidMargin)
	if margin < 1 {
		return 1
	}
	return margin
}

// ValidateConfig rejects configurations that could bid above the floor:
// a non-trait ITEM or COLLECTION offer must keep maxFloorBid ≤ 100%.
// Also enforces ordering of the bid bounds.
func ValidateConfig(cfg types.CollectionConfig) error {
	if !cfg.OfferType.Valid() {
		return fmt.Errorf("collection %s: offerType must be ITEM or COLLECTION, got %q", cfg.CollectionSymbol, cfg.OfferType)
	}
	if cfg.MinBid > cfg.MaxBid {
		return fmt.Errorf("collection %s: minBid %.8f exceeds maxBid %.8f", cfg.CollectionSymbol, cfg.MinBid, cfg.MaxBid)
	}
	if cfg.MinFloorBid > cfg.MaxFloorBid {
		return fmt.Errorf("collection %s: minFloorBid %.2f exceeds maxFloorBid %.2f", cfg.CollectionSymbol, cfg.MinFloorBid, cfg.MaxFloorBid)
	}
	if len(cfg.Traits) == 0 && cfg.MaxFloorBid > 100 {
		return fmt.Errorf("collection %s: maxFloorBid %.2f%% exceeds 100%% of floor for a non-trait offer", cfg.CollectionSymbol, cfg.MaxFloorBid)
	}
	return nil
}

// CheckBid applies the per-bid safety gates. floor is only consulted in
// COLLECTION mode, where an offer at or above the floor would be
// instantly fillable at a loss.
func CheckBid(price, maxOffer, floor int64, offerType types.OfferType) error {
	if price <= 0 {
		return fmt.Errorf("bid price %d is not positive", price)
	}
	if price > maxOffer {
		return fmt.Errorf("bid price %d exceeds max offer %d", price, maxOffer)
	}
	if offerType == types.OfferTypeCollection && price >= floor {
		return fmt.Errorf("collection bid price %d is not below floor %d", price, floor)
	}
	return nil
}
