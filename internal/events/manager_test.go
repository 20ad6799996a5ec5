package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ordinals-bidder/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReadyManager(maxSize int, owns func(string) bool) *Manager {
	m := New(maxSize, []string{"punks", "wizards"}, owns, testLogger())
	m.SetReady()
	return m
}

// advance pushes the manager's clock forward so the dedup cooldown does
// not interfere with tests exercising other filters.
func advance(m *Manager, d time.Duration) {
	base := m.now()
	m.now = func() time.Time { return base.Add(d) }
}

func TestReadyGateDiscards(t *testing.T) {
	t.Parallel()
	m := New(10, []string{"punks"}, nil, testLogger())

	for i := 0; i < 3; i++ {
		if m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: fmt.Sprintf("t%d", i)}) {
			t.Error("event admitted before SetReady")
		}
	}
	if got := m.Depth(); got != 0 {
		t.Errorf("Depth = %d before ready, want 0", got)
	}

	m.SetReady()
	if got := m.Snapshot().StartupDiscarded; got != 3 {
		t.Errorf("StartupDiscarded = %d, want 3", got)
	}

	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t9"}) {
		t.Error("event rejected after SetReady")
	}
}

func TestWatchedKindFilter(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	if m.SubmitEvent(types.Event{Kind: "listing", CollectionSymbol: "punks"}) {
		t.Error("unwatched kind admitted")
	}
	if got := m.Snapshot().UnwatchedKind; got != 1 {
		t.Errorf("UnwatchedKind = %d, want 1", got)
	}
}

func TestKnownCollectionFilter(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	if m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "strangers", TokenID: "t1"}) {
		t.Error("unknown collection admitted")
	}
	if got := m.Snapshot().UnknownCollection; got != 1 {
		t.Errorf("UnknownCollection = %d, want 1", got)
	}
}

func TestOwnWalletFilter(t *testing.T) {
	t.Parallel()
	owns := func(addr string) bool { return addr == "bc1qmine" }
	m := newReadyManager(10, owns)

	if m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1", BuyerPaymentAddress: "bc1qmine"}) {
		t.Error("own-wallet buyer admitted")
	}
	if m.SubmitEvent(types.Event{Kind: types.KindOfferCancelled, CollectionSymbol: "punks", TokenID: "t2", NewOwner: "bc1qmine"}) {
		t.Error("own-wallet new owner admitted")
	}
	if got := m.Snapshot().OwnWallet; got != 2 {
		t.Errorf("OwnWallet = %d, want 2", got)
	}
}

// A purchase broadcast naming one of our wallets must survive the
// own-wallet filter: it is the only signal that credits a won item.
func TestOwnPurchaseSurvivesOwnWalletFilter(t *testing.T) {
	t.Parallel()
	owns := func(addr string) bool { return addr == "bc1qmine" }
	m := newReadyManager(10, owns)

	if !m.SubmitEvent(types.Event{Kind: types.KindBuyingBroadcasted, CollectionSymbol: "punks", TokenID: "t1", NewOwner: "bc1qmine"}) {
		t.Fatal("own purchase dropped by the own-wallet filter")
	}
	if !m.SubmitEvent(types.Event{Kind: types.KindOfferAcceptedBroadcasted, CollectionSymbol: "punks", TokenID: "t2", BuyerPaymentAddress: "bc1qmine"}) {
		t.Fatal("own accepted-offer broadcast dropped by the own-wallet filter")
	}
	if got := m.Snapshot().OwnWallet; got != 0 {
		t.Errorf("OwnWallet = %d, want 0", got)
	}
	if got := m.Depth(); got != 2 {
		t.Errorf("Depth = %d, want 2", got)
	}
}

func TestDedupCooldown(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1"}) {
		t.Fatal("first event rejected")
	}
	// Same token inside the cooldown, even with a different kind.
	if m.SubmitEvent(types.Event{Kind: types.KindOfferCancelled, CollectionSymbol: "punks", TokenID: "t1"}) {
		t.Error("cooldown did not apply across item kinds")
	}
	// A different token is unaffected.
	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t2"}) {
		t.Error("different token caught by cooldown")
	}

	// After the cooldown the token is admissible again.
	advance(m, DedupCooldown+time.Second)
	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1"}) {
		t.Error("event rejected after cooldown elapsed")
	}

	if got := m.Snapshot().Deduplicated; got != 1 {
		t.Errorf("Deduplicated = %d, want 1", got)
	}
}

func TestCollectionDedupCooldown(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	if !m.SubmitEvent(types.Event{Kind: types.KindCollOfferCreated, CollectionSymbol: "punks"}) {
		t.Fatal("first collection event rejected")
	}
	if m.SubmitEvent(types.Event{Kind: types.KindCollOfferEdited, CollectionSymbol: "punks"}) {
		t.Error("cooldown did not apply across collection offer kinds")
	}
	if !m.SubmitEvent(types.Event{Kind: types.KindCollOfferCreated, CollectionSymbol: "wizards"}) {
		t.Error("different collection caught by cooldown")
	}
}

// In-queue supersession: a second event for the same token replaces the
// queued one; the queue never holds two items with the same key.
func TestSupersession(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1", ListedPrice: 100}) {
		t.Fatal("first event rejected")
	}
	advance(m, DedupCooldown+time.Second) // get past the dedup cooldown
	if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1", ListedPrice: 200}) {
		t.Fatal("second event rejected")
	}

	if got := m.Depth(); got != 1 {
		t.Fatalf("Depth = %d, want 1 after supersession", got)
	}
	if got := m.Snapshot().Superseded; got != 1 {
		t.Errorf("Superseded = %d, want 1", got)
	}

	task, ok := m.pop()
	if !ok || task.Event == nil {
		t.Fatal("pop returned no event")
	}
	if task.Event.ListedPrice != 200 {
		t.Errorf("surviving event price = %d, want 200 (the newer one)", task.Event.ListedPrice)
	}
}

func TestPurchasesNeverSupersede(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	for i := 0; i < 3; i++ {
		if !m.SubmitEvent(types.Event{Kind: types.KindBuyingBroadcasted, CollectionSymbol: "punks", TokenID: "t1"}) {
			t.Fatalf("purchase %d rejected", i)
		}
	}
	// Purchases carry no dedup key: all three stay queued.
	if got := m.Depth(); got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
}

// Overflow with purchase protection: a full queue drops the oldest
// non-purchase element to admit a purchase.
func TestOverflowProtectsPurchases(t *testing.T) {
	t.Parallel()
	m := newReadyManager(5, nil)

	for i := 0; i < 5; i++ {
		if !m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: fmt.Sprintf("t%d", i)}) {
			t.Fatalf("fill event %d rejected", i)
		}
	}

	if !m.SubmitEvent(types.Event{Kind: types.KindBuyingBroadcasted, CollectionSymbol: "punks", TokenID: "t100"}) {
		t.Fatal("purchase rejected on overflow")
	}

	if got := m.Depth(); got != 5 {
		t.Fatalf("Depth = %d, want 5", got)
	}
	if got := m.Snapshot().OverflowDropped; got != 1 {
		t.Errorf("OverflowDropped = %d, want 1", got)
	}

	// Drain and verify the purchase survived and t0 (oldest) is gone.
	var kinds []string
	var tokens []string
	for m.Depth() > 0 {
		task, _ := m.pop()
		kinds = append(kinds, task.Event.Kind)
		tokens = append(tokens, task.Event.TokenID)
	}
	foundPurchase := false
	for i, k := range kinds {
		if k == types.KindBuyingBroadcasted {
			foundPurchase = true
		}
		if tokens[i] == "t0" {
			t.Error("oldest offer_placed should have been the overflow victim")
		}
	}
	if !foundPurchase {
		t.Error("purchase event missing from queue")
	}
}

func TestOverflowAllPurchasesDropsOldest(t *testing.T) {
	t.Parallel()
	m := newReadyManager(3, nil)

	for i := 0; i < 3; i++ {
		m.SubmitEvent(types.Event{Kind: types.KindBuyingBroadcasted, CollectionSymbol: "punks", TokenID: fmt.Sprintf("p%d", i)})
	}
	m.SubmitEvent(types.Event{Kind: types.KindOfferAcceptedBroadcasted, CollectionSymbol: "punks", TokenID: "p3"})

	if got := m.Depth(); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}
	for m.Depth() > 0 {
		task, _ := m.pop()
		if task.Event.TokenID == "p0" {
			t.Error("oldest purchase should have been dropped when all are purchases")
		}
	}
}

// Counter-bid events (priority 1) dispatch ahead of scheduled tasks
// (priority 0) even when submitted later.
func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	m.SubmitTask(func(ctx context.Context) {})
	m.SubmitTask(func(ctx context.Context) {})
	m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1"})

	task, _ := m.pop()
	if task.Event == nil {
		t.Error("counter-bid event should dispatch before scheduled tasks")
	}
	// Remaining scheduled tasks come out in arrival order.
	first, _ := m.pop()
	second, _ := m.pop()
	if first.seq > second.seq {
		t.Error("equal-priority tasks lost FIFO order")
	}
}

func TestWorkerPanicRecovered(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	var processed sync.WaitGroup
	processed.Add(2)

	m.SubmitTask(func(ctx context.Context) {
		defer processed.Done()
		panic("boom")
	})
	m.SubmitTask(func(ctx context.Context) {
		processed.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx, 1, func(ctx context.Context, evt types.Event) {})

	done := make(chan struct{})
	go func() {
		processed.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	cancel()

	if got := m.Snapshot().WorkerPanics; got != 1 {
		t.Errorf("WorkerPanics = %d, want 1", got)
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	t.Parallel()
	m := newReadyManager(10, nil)

	got := make(chan types.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, 2, func(ctx context.Context, evt types.Event) {
		got <- evt
	})

	m.SubmitEvent(types.Event{Kind: types.KindOfferPlaced, CollectionSymbol: "punks", TokenID: "t1", ListedPrice: 777})

	select {
	case evt := <-got:
		if evt.ListedPrice != 777 {
			t.Errorf("dispatched price = %d, want 777", evt.ListedPrice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event was never dispatched")
	}
}
