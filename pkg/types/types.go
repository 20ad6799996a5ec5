// Package types defines the shared domain types of the bidding agent:
// marketplace events, collection configuration, and bid records.
//
// Prices are integer satoshis everywhere except collection configuration,
// where bid bounds are expressed in BTC (converted once by the price
// calculator). Timestamps on records are epoch milliseconds to match the
// marketplace wire format.
package types

import (
	"fmt"
	"time"
)

// OfferType selects between per-token offers and one offer covering the
// whole collection.
type OfferType string

const (
	OfferTypeItem       OfferType = "ITEM"
	OfferTypeCollection OfferType = "COLLECTION"
)

// Valid reports whether t is a known offer type.
func (t OfferType) Valid() bool {
	return t == OfferTypeItem || t == OfferTypeCollection
}

// Marketplace event kinds. Only the watched kinds survive the ingestion
// filter; everything else is counted and dropped.
const (
	KindOfferPlaced        = "offer_placed"
	KindOfferCancelled     = "offer_cancelled"
	KindCollOfferCreated   = "coll_offer_created"
	KindCollOfferEdited    = "coll_offer_edited"
	KindCollOfferCancelled = "coll_offer_cancelled"

	KindBuyingBroadcasted           = "buying_broadcasted"
	KindOfferAcceptedBroadcasted    = "offer_accepted_broadcasted"
	KindCollOfferFulfillBroadcasted = "coll_offer_fulfill_broadcasted"
)

// watchedKinds is the full set of event kinds the agent reacts to.
var watchedKinds = map[string]bool{
	KindOfferPlaced:                 true,
	KindOfferCancelled:              true,
	KindCollOfferCreated:            true,
	KindCollOfferEdited:             true,
	KindCollOfferCancelled:          true,
	KindBuyingBroadcasted:           true,
	KindOfferAcceptedBroadcasted:    true,
	KindCollOfferFulfillBroadcasted: true,
}

// IsWatchedKind reports whether kind is one the agent processes.
func IsWatchedKind(kind string) bool { return watchedKinds[kind] }

// IsPurchaseKind reports whether kind signals a broadcasted purchase.
// Purchase events are never deduplicated, superseded, or dropped by queue
// overflow (unless the queue holds nothing but purchases).
func IsPurchaseKind(kind string) bool {
	switch kind {
	case KindBuyingBroadcasted, KindOfferAcceptedBroadcasted, KindCollOfferFulfillBroadcasted:
		return true
	}
	return false
}

// Event is a validated marketplace activity frame. Kind is the
// discriminator; optional fields are zero-valued when absent.
type Event struct {
	Kind                string `json:"kind"`
	CollectionSymbol    string `json:"collectionSymbol"`
	TokenID             string `json:"tokenId,omitempty"`
	ListedPrice         int64  `json:"listedPrice,omitempty"` // sats
	BuyerPaymentAddress string `json:"buyerPaymentAddress,omitempty"`
	NewOwner            string `json:"newOwner,omitempty"`
	CreatedAt           string `json:"createdAt,omitempty"`
}

// DedupKey returns the canonical key identifying the logical subject of
// the event, used both for the dedup cooldown and in-queue supersession.
// Purchase events have no key and return "".
func (e Event) DedupKey() string {
	switch e.Kind {
	case KindOfferPlaced, KindOfferCancelled:
		return fmt.Sprintf("item:%s:%s", e.CollectionSymbol, e.TokenID)
	case KindCollOfferCreated, KindCollOfferEdited, KindCollOfferCancelled:
		return fmt.Sprintf("coll_offer:%s", e.CollectionSymbol)
	}
	return ""
}

// Trait narrows an item offer to tokens carrying a specific attribute.
type Trait struct {
	TraitType string `json:"traitType"`
	Value     string `json:"value"`
}

// CollectionConfig is one entry of config/collections.json. Read-only per
// scheduler cycle.
type CollectionConfig struct {
	CollectionSymbol     string    `json:"collectionSymbol"`
	MinBid               float64   `json:"minBid"`      // BTC
	MaxBid               float64   `json:"maxBid"`      // BTC
	MinFloorBid          float64   `json:"minFloorBid"` // percent of floor
	MaxFloorBid          float64   `json:"maxFloorBid"` // percent of floor
	BidCount             int       `json:"bidCount"`
	Duration             int       `json:"duration"`      // minutes
	ScheduledLoop        int       `json:"scheduledLoop"` // seconds
	EnableCounterBidding bool      `json:"enableCounterBidding"`
	OutBidMargin         float64   `json:"outBidMargin"` // BTC
	OfferType            OfferType `json:"offerType"`
	Quantity             int       `json:"quantity"`
	FeeSatsPerVbyte      int       `json:"feeSatsPerVbyte"`
	Traits               []Trait   `json:"traits,omitempty"`
	WalletGroup          string    `json:"walletGroup,omitempty"`
}

// LoopInterval returns the pause between scheduled cycles.
func (c CollectionConfig) LoopInterval() time.Duration {
	return time.Duration(c.ScheduledLoop) * time.Second
}

// BidExpiration returns the absolute expiration (epoch ms) for a bid
// placed now.
func (c CollectionConfig) BidExpiration(now time.Time) int64 {
	return now.Add(time.Duration(c.Duration) * time.Minute).UnixMilli()
}

// BidRecord is one of our active bids on a single token.
type BidRecord struct {
	Price          int64  `json:"price"`      // sats
	Expiration     int64  `json:"expiration"` // epoch ms
	PaymentAddress string `json:"paymentAddress"`
}

// Listing is one entry of a collection's cheapest-listings snapshot.
type Listing struct {
	ID    string `json:"id"`
	Price int64  `json:"price"` // sats
}

// CollectionOffer tracks our single outstanding collection-wide offer.
type CollectionOffer struct {
	OfferID        string `json:"offerId,omitempty"`
	Price          int64  `json:"price"`      // sats
	Expiration     int64  `json:"expiration"` // epoch ms
	PaymentAddress string `json:"paymentAddress"`
}

// CollectionBidRecord is the per-collection bid state. All mutation goes
// through the history store, which owns the containing map.
type CollectionBidRecord struct {
	OfferType              OfferType            `json:"offerType"`
	OurBids                map[string]BidRecord `json:"ourBids"`
	TopBids                map[string]bool      `json:"topBids"`
	BottomListings         []Listing            `json:"bottomListings"`
	LastSeenActivity       int64                `json:"lastSeenActivity,omitempty"` // epoch ms, 0 = never
	Quantity               int                  `json:"quantity"`
	HighestCollectionOffer *CollectionOffer     `json:"highestCollectionOffer,omitempty"`
}
