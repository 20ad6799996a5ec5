package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarket is a scriptable Marketplace implementation.
type fakeMarket struct {
	mu sync.Mutex

	floor      int64
	listings   []types.Listing
	offers     []marketplace.Offer
	collOffers []marketplace.Offer

	placeErr   error
	placedBids []marketplace.BidRequest
}

func (f *fakeMarket) GetFloorPrice(ctx context.Context, symbol string) (int64, error) {
	return f.floor, nil
}

func (f *fakeMarket) GetCheapestListings(ctx context.Context, symbol string, limit int) ([]types.Listing, error) {
	return f.listings, nil
}

func (f *fakeMarket) GetBestOffers(ctx context.Context, tokenID, buyerFilter string, limit int) ([]marketplace.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, nil
}

func (f *fakeMarket) GetBestCollectionOffers(ctx context.Context, symbol string, limit int) ([]marketplace.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collOffers, nil
}

func (f *fakeMarket) PlaceItemBid(ctx context.Context, req marketplace.BidRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placedBids = append(f.placedBids, req)
	return nil
}

func (f *fakeMarket) PlaceCollectionBid(ctx context.Context, req marketplace.BidRequest) error {
	return f.PlaceItemBid(ctx, req)
}

func (f *fakeMarket) CancelOffer(ctx context.Context, offerID string, key *btcec.PrivateKey) error {
	return nil
}

func (f *fakeMarket) placed() []marketplace.BidRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]marketplace.BidRequest(nil), f.placedBids...)
}

type fixture struct {
	engine *Engine
	market *fakeMarket
	store  *history.Store
	pace   *pacer.Pacer
	queue  *events.Manager
}

// newFixture wires an engine over one pool of wallets with the given
// per-wallet window cap.
func newFixture(t *testing.T, cfg types.CollectionConfig, wallets int, bidsPerMinute int) *fixture {
	t.Helper()

	entries := make([]*wallet.Entry, 0, wallets)
	for i := 0; i < wallets; i++ {
		entries = append(entries, &wallet.Entry{
			Label:          "w" + string(rune('1'+i)),
			PaymentAddress: "bc1qpay" + string(rune('1'+i)),
			ReceiveAddress: "bc1prec" + string(rune('1'+i)),
			PaymentPubKey:  "02aa",
		})
	}
	pool := wallet.NewPool(entries, bidsPerMinute)
	groups, err := wallet.NewGroupManager(map[string]*wallet.Pool{"default": pool}, nil, "default")
	if err != nil {
		t.Fatal(err)
	}

	store, err := history.Open(filepath.Join(t.TempDir(), "bidHistory.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store.Init(cfg.CollectionSymbol, cfg.OfferType)

	market := &fakeMarket{floor: 100_000}
	// Generous pacer so wallet exhaustion, not the pacer, is what the
	// tests exercise.
	pace := pacer.New(100)
	queue := events.New(100, []string{cfg.CollectionSymbol}, groups.OwnsAddress, testLogger())
	queue.SetReady()

	eng := New(Deps{
		Collections: []types.CollectionConfig{cfg},
		Market:      market,
		Groups:      groups,
		Pacer:       pace,
		Tokens:      lock.NewTokenLock(),
		Store:       store,
		Queue:       queue,
		Logger:      testLogger(),
	})
	return &fixture{engine: eng, market: market, store: store, pace: pace, queue: queue}
}

func itemConfig() types.CollectionConfig {
	return types.CollectionConfig{
		CollectionSymbol:     "punks",
		MinBid:               0.0004, // 40 000 sats
		MaxBid:               0.001,  // 100 000 sats
		MinFloorBid:          40,
		MaxFloorBid:          100,
		BidCount:             20,
		Duration:             30,
		ScheduledLoop:        60,
		EnableCounterBidding: true,
		OutBidMargin:         0.000001, // 100 sats
		OfferType:            types.OfferTypeItem,
		FeeSatsPerVbyte:      5,
	}
}

// Tie-break when we are top: equal-price event, marketplace confirms our
// address holds the top offer. No bid goes out and the token is flagged.
func TestTieBreakWeAreTop(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetBottomListings("punks", []types.Listing{{ID: "t1", Price: 90_000}})
	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})
	f.market.offers = []marketplace.Offer{{ID: "o1", TokenID: "t1", Price: 50_000, BuyerPaymentAddress: "bc1qpay1"}}

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      50_000,
	})

	if got := len(f.market.placed()); got != 0 {
		t.Errorf("bids placed = %d, want 0", got)
	}
	if !f.store.IsTop("punks", "t1") {
		t.Error("t1 should be flagged as top bid")
	}
}

// Tie-break when we are not top: equal-price event, competitor holds the
// actual top. One counter-bid at top + margin.
func TestTieBreakCompetitorTop(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetBottomListings("punks", []types.Listing{{ID: "t1", Price: 90_000}})
	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})
	f.market.offers = []marketplace.Offer{{ID: "o2", TokenID: "t1", Price: 50_000, BuyerPaymentAddress: "bc1qrival"}}

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      50_000,
	})

	placed := f.market.placed()
	if len(placed) != 1 {
		t.Fatalf("bids placed = %d, want 1", len(placed))
	}
	if placed[0].Price != 50_100 {
		t.Errorf("counter price = %d, want 50100", placed[0].Price)
	}
	bid, ok := f.store.GetBid("punks", "t1")
	if !ok || bid.Price != 50_100 {
		t.Errorf("recorded bid = %+v, want price 50100", bid)
	}
}

// A higher competitor offer is countered against the event price itself.
func TestOutbidHigherOffer(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetBottomListings("punks", []types.Listing{{ID: "t1", Price: 90_000}})
	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      60_000,
	})

	placed := f.market.placed()
	if len(placed) != 1 {
		t.Fatalf("bids placed = %d, want 1", len(placed))
	}
	if placed[0].Price != 60_100 {
		t.Errorf("counter price = %d, want 60100", placed[0].Price)
	}
}

// A counter that would exceed maxOffer is rejected by the safety gate.
func TestCounterGatedByMaxOffer(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetBottomListings("punks", []types.Listing{{ID: "t1", Price: 90_000}})
	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      99_999, // +100 margin exceeds the 100 000 cap
	})

	if got := len(f.market.placed()); got != 0 {
		t.Errorf("bids placed = %d, want 0", got)
	}
	if got := f.engine.Stats().SkippedGate; got != 1 {
		t.Errorf("SkippedGate = %d, want 1", got)
	}
}

// Tokens outside the bottom-listings snapshot are not counter-bid
// targets.
func TestNonTargetTokenIgnored(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      60_000,
	})

	if got := len(f.market.placed()); got != 0 {
		t.Errorf("bids placed = %d, want 0 for non-target token", got)
	}
}

// A purchase by one of our wallets increments the quantity counter and
// retires the bid record.
func TestPurchaseIncrementsQuantity(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})

	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindBuyingBroadcasted,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		NewOwner:         "bc1prec1",
	})

	if got := f.store.Quantity("punks"); got != 1 {
		t.Errorf("quantity = %d, want 1", got)
	}
	if _, still := f.store.GetBid("punks", "t1"); still {
		t.Error("bid record should be removed after the purchase")
	}
}

// The full intake path: a purchase broadcast naming our receive address
// survives the queue's filters and credits the win.
func TestPurchaseThroughQueueIncrementsQuantity(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.queue.Run(ctx, 1, f.engine.handleEvent)

	admitted := f.queue.SubmitEvent(types.Event{
		Kind:             types.KindBuyingBroadcasted,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		NewOwner:         "bc1prec1",
	})
	if !admitted {
		t.Fatal("own purchase was filtered out before the queue")
	}

	deadline := time.Now().Add(3 * time.Second)
	for f.store.Quantity("punks") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("quantity = %d, want 1", f.store.Quantity("punks"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, still := f.store.GetBid("punks", "t1"); still {
		t.Error("bid record should be removed after the purchase")
	}
}

// Once a collection has won its configured quantity, scheduled cycles
// and counter-bids stop placing offers for it.
func TestQuantityCapStopsBidding(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	cfg.Quantity = 1
	f := newFixture(t, cfg, 1, 10)

	f.store.IncrementQuantity(context.Background(), "punks")
	f.market.listings = []types.Listing{{ID: "t1", Price: 90_000}}

	f.engine.runCycle(context.Background(), cfg)
	if got := len(f.market.placed()); got != 0 {
		t.Errorf("scheduled bids placed = %d, want 0 at quantity cap", got)
	}

	// A competitor offer on a token we hold a bid for is not countered
	// either.
	f.store.SetBottomListings("punks", []types.Listing{{ID: "t1", Price: 90_000}})
	f.store.SetOurBid("punks", "t1", types.BidRecord{Price: 50_000, PaymentAddress: "bc1qpay1"})
	f.engine.handleEvent(context.Background(), types.Event{
		Kind:             types.KindOfferPlaced,
		CollectionSymbol: "punks",
		TokenID:          "t1",
		ListedPrice:      60_000,
	})
	if got := len(f.market.placed()); got != 0 {
		t.Errorf("counter-bids placed = %d, want 0 at quantity cap", got)
	}
}

// Scheduled cycles are dispatched by the queue's worker set, not run
// inline by the loop goroutine.
func TestScheduledCycleRunsThroughQueue(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	cfg.ScheduledLoop = 1
	f := newFixture(t, cfg, 1, 10)

	f.market.listings = []types.Listing{{ID: "t1", Price: 90_000}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.queue.Run(ctx, 2, f.engine.handleEvent)
	go f.engine.scheduledLoop(ctx, cfg)

	deadline := time.Now().Add(3 * time.Second)
	for len(f.market.placed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no bid placed by a queued scheduled cycle")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Scheduled cycle with wallet exhaustion: one wallet with a two-bid
// window, ten candidates. Two bids land, the third candidate trips the
// exhaustion flag, the remaining seven are skipped without reserving
// pacer slots.
func TestScheduledCycleWalletExhaustion(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 2)

	listings := make([]types.Listing, 0, 10)
	for i := 0; i < 10; i++ {
		listings = append(listings, types.Listing{ID: "tok" + string(rune('a'+i)), Price: 90_000 + int64(i)})
	}
	f.market.listings = listings

	f.engine.runCycle(context.Background(), cfg)

	stats := f.engine.Stats()
	if stats.BidsPlaced != 2 {
		t.Errorf("BidsPlaced = %d, want 2", stats.BidsPlaced)
	}
	if stats.SkippedWalletExhausted != 7 {
		t.Errorf("SkippedWalletExhausted = %d, want 7", stats.SkippedWalletExhausted)
	}
	if got := f.pace.Used(); got != 2 {
		t.Errorf("pacer slots in window = %d, want 2 consumed", got)
	}
}

// A cycle skips tokens we bid on within the recent-bid cooldown.
func TestScheduledCycleRecentBidCooldown(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 2, 10)

	f.market.listings = []types.Listing{{ID: "t1", Price: 90_000}}
	f.engine.recent.Add("t1")

	f.engine.runCycle(context.Background(), cfg)

	if got := len(f.market.placed()); got != 0 {
		t.Errorf("bids placed = %d, want 0 during cooldown", got)
	}
	if got := f.engine.Stats().SkippedRecent; got != 1 {
		t.Errorf("SkippedRecent = %d, want 1", got)
	}
}

func collectionConfig() types.CollectionConfig {
	cfg := itemConfig()
	cfg.OfferType = types.OfferTypeCollection
	return cfg
}

// A scheduled COLLECTION cycle outbids the current top competitor offer
// by the configured margin.
func TestCollectionCycleOutbidsCompetitor(t *testing.T) {
	t.Parallel()
	cfg := collectionConfig()
	f := newFixture(t, cfg, 1, 10)

	f.market.collOffers = []marketplace.Offer{{ID: "c1", Price: 50_000, BuyerPaymentAddress: "bc1qrival"}}

	f.engine.runCycle(context.Background(), cfg)

	placed := f.market.placed()
	if len(placed) != 1 {
		t.Fatalf("bids placed = %d, want 1", len(placed))
	}
	if placed[0].Price != 50_100 {
		t.Errorf("collection bid price = %d, want 50100", placed[0].Price)
	}
	offer := f.store.HighestCollectionOffer("punks")
	if offer == nil || offer.Price != 50_100 {
		t.Errorf("recorded collection offer = %+v, want price 50100", offer)
	}
}

// When our own offer already holds the top, the cycle places nothing.
func TestCollectionCycleOursOnTop(t *testing.T) {
	t.Parallel()
	cfg := collectionConfig()
	f := newFixture(t, cfg, 1, 10)

	f.store.SetHighestCollectionOffer("punks", &types.CollectionOffer{Price: 50_000, PaymentAddress: "bc1qpay1"})
	f.market.collOffers = []marketplace.Offer{{ID: "c1", Price: 50_000, BuyerPaymentAddress: "bc1qpay1"}}

	f.engine.runCycle(context.Background(), cfg)

	if got := len(f.market.placed()); got != 0 {
		t.Errorf("bids placed = %d, want 0 when ours is top", got)
	}
}

// With no competitor offers, the cycle places the configured minimum
// once and leaves an offer at or above it alone.
func TestCollectionCycleBaseline(t *testing.T) {
	t.Parallel()
	cfg := collectionConfig()
	f := newFixture(t, cfg, 1, 10)

	f.engine.runCycle(context.Background(), cfg)

	placed := f.market.placed()
	if len(placed) != 1 {
		t.Fatalf("bids placed = %d, want 1", len(placed))
	}
	if placed[0].Price != 40_000 {
		t.Errorf("baseline price = %d, want 40000 (minOffer)", placed[0].Price)
	}

	// A second cycle with the offer outstanding is a no-op.
	f.engine.runCycle(context.Background(), cfg)
	if got := len(f.market.placed()); got != 1 {
		t.Errorf("bids placed after refresh cycle = %d, want 1", got)
	}
}

// Cycles never overlap for the same collection.
func TestCycleNoSelfOverlap(t *testing.T) {
	t.Parallel()
	cfg := itemConfig()
	f := newFixture(t, cfg, 1, 10)

	if !f.engine.tryBeginCycle("punks") {
		t.Fatal("first claim should succeed")
	}
	if f.engine.tryBeginCycle("punks") {
		t.Error("second claim for the same collection should fail")
	}
	if !f.engine.tryBeginCycle("wizards") {
		t.Error("other collections should be unaffected")
	}
	f.engine.endCycle("punks")
	if !f.engine.tryBeginCycle("punks") {
		t.Error("claim should succeed again after endCycle")
	}
}

func TestRecentBidsCapEvictsOldest(t *testing.T) {
	t.Parallel()
	r := newRecentBids(3)

	r.Add("a")
	r.Add("b")
	r.Add("c")
	r.Add("d")

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	if r.Recent("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !r.Recent("d") {
		t.Error("newest entry should be present")
	}
}

func TestRecentBidsCooldownExpires(t *testing.T) {
	t.Parallel()
	r := newRecentBids(10)
	base := time.Now()
	r.now = func() time.Time { return base }

	r.Add("t1")
	if !r.Recent("t1") {
		t.Fatal("entry should be recent immediately after Add")
	}

	r.now = func() time.Time { return base.Add(recentBidCooldown + time.Second) }
	if r.Recent("t1") {
		t.Error("entry should no longer be recent after the cooldown")
	}
}
