package types

import (
	"testing"
	"time"
)

func TestDedupKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{"offer placed", Event{Kind: KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1"}, "item:punks:t1"},
		{"offer cancelled", Event{Kind: KindOfferCancelled, CollectionSymbol: "punks", TokenID: "t2"}, "item:punks:t2"},
		{"coll offer created", Event{Kind: KindCollOfferCreated, CollectionSymbol: "punks"}, "coll_offer:punks"},
		{"coll offer edited", Event{Kind: KindCollOfferEdited, CollectionSymbol: "punks"}, "coll_offer:punks"},
		{"coll offer cancelled", Event{Kind: KindCollOfferCancelled, CollectionSymbol: "punks"}, "coll_offer:punks"},
		{"purchase has no key", Event{Kind: KindBuyingBroadcasted, CollectionSymbol: "punks", TokenID: "t1"}, ""},
		{"accept broadcast has no key", Event{Kind: KindOfferAcceptedBroadcasted, CollectionSymbol: "punks"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.evt.DedupKey(); got != tt.want {
				t.Errorf("DedupKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsPurchaseKind(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{KindBuyingBroadcasted, KindOfferAcceptedBroadcasted, KindCollOfferFulfillBroadcasted} {
		if !IsPurchaseKind(kind) {
			t.Errorf("IsPurchaseKind(%q) = false, want true", kind)
		}
	}
	for _, kind := range []string{KindOfferPlaced, KindOfferCancelled, KindCollOfferCreated, "listing"} {
		if IsPurchaseKind(kind) {
			t.Errorf("IsPurchaseKind(%q) = true, want false", kind)
		}
	}
}

func TestIsWatchedKind(t *testing.T) {
	t.Parallel()
	if !IsWatchedKind(KindOfferPlaced) {
		t.Error("offer_placed should be watched")
	}
	if IsWatchedKind("listing") || IsWatchedKind("") {
		t.Error("unwatched kinds should be rejected")
	}
}

func TestBidExpiration(t *testing.T) {
	t.Parallel()
	cfg := CollectionConfig{Duration: 30}
	now := time.UnixMilli(1_700_000_000_000)
	want := now.Add(30 * time.Minute).UnixMilli()
	if got := cfg.BidExpiration(now); got != want {
		t.Errorf("BidExpiration = %d, want %d", got, want)
	}
}
