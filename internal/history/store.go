// Package history owns the per-collection bid state: our active bids,
// top-bid flags, bottom-listings snapshots and the items-won counter.
// It is the single writer of data/bidHistory.json; mutations mark the
// store dirty and a debounced background write persists the snapshot
// with an atomic tmp+rename, so a crash never leaves a torn file.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ordinals-bidder/internal/lock"
	"ordinals-bidder/pkg/types"
)

const (
	// MaxBidsPerCollection caps ourBids per collection; cleanup keeps
	// the entries with the latest expiration.
	MaxBidsPerCollection = 500

	// MaxAge is how long an expired bid record may linger before
	// cleanup removes it.
	MaxAge = 24 * time.Hour

	// DefaultDebounce coalesces rapid mutations into one disk write.
	DefaultDebounce = 15 * time.Second

	// quantityRetries bounds how often IncrementQuantity re-attempts
	// the per-collection lock before giving up and reporting the
	// current value.
	quantityRetries = 10
)

// Store is the in-memory bid history plus its debounced persistence.
type Store struct {
	mu      sync.Mutex
	records map[string]*types.CollectionBidRecord

	path     string
	dirty    bool
	timer    *time.Timer
	debounce time.Duration

	qlock  *lock.Keyed
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the snapshot at path if it exists and returns the store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		records:  make(map[string]*types.CollectionBidRecord),
		path:     path,
		debounce: DefaultDebounce,
		qlock:    lock.NewKeyed(),
		logger:   logger.With("component", "history"),
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read bid history: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("unmarshal bid history: %w", err)
	}
	s.logger.Info("bid history loaded", "collections", len(s.records))
	return s, nil
}

// Init creates the record for a collection if absent. Never overwrites:
// a second call for the same symbol keeps quantity, ourBids and topBids.
func (s *Store) Init(symbol string, offerType types.OfferType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[symbol]; ok {
		return
	}
	s.records[symbol] = &types.CollectionBidRecord{
		OfferType: offerType,
		OurBids:   make(map[string]types.BidRecord),
		TopBids:   make(map[string]bool),
	}
	s.markDirtyLocked()
}

// GetOurBids returns a copy of the collection's active bids.
func (s *Store) GetOurBids(symbol string) map[string]types.BidRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return nil
	}
	out := make(map[string]types.BidRecord, len(rec.OurBids))
	for id, bid := range rec.OurBids {
		out[id] = bid
	}
	return out
}

// GetBid returns our bid on a single token, if any.
func (s *Store) GetBid(symbol, tokenID string) (types.BidRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return types.BidRecord{}, false
	}
	bid, ok := rec.OurBids[tokenID]
	return bid, ok
}

// SetOurBid records or updates our bid on a token.
func (s *Store) SetOurBid(symbol, tokenID string, bid types.BidRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(symbol)
	rec.OurBids[tokenID] = bid
	s.markDirtyLocked()
}

// RemoveOurBid deletes our bid on a token along with its top flag.
func (s *Store) RemoveOurBid(symbol, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return
	}
	delete(rec.OurBids, tokenID)
	delete(rec.TopBids, tokenID)
	s.markDirtyLocked()
}

// MarkTop flags a token where we are the confirmed current top bid.
// Only tokens we actually bid on can be flagged.
func (s *Store) MarkTop(symbol, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return
	}
	if _, bidding := rec.OurBids[tokenID]; !bidding {
		return
	}
	rec.TopBids[tokenID] = true
	s.markDirtyLocked()
}

// ClearTop removes the top-bid flag for a token.
func (s *Store) ClearTop(symbol, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return
	}
	delete(rec.TopBids, tokenID)
	s.markDirtyLocked()
}

// IsTop reports whether we are flagged top on the token.
func (s *Store) IsTop(symbol, tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	return ok && rec.TopBids[tokenID]
}

// SetBottomListings atomically swaps the collection's cheapest-listings
// snapshot.
func (s *Store) SetBottomListings(symbol string, listings []types.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(symbol)
	rec.BottomListings = append([]types.Listing(nil), listings...)
	s.markDirtyLocked()
}

// BottomListings returns a copy of the last fetched cheapest listings.
func (s *Store) BottomListings(symbol string) []types.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return nil
	}
	return append([]types.Listing(nil), rec.BottomListings...)
}

// InBottomListings reports whether the token is in the collection's
// bottom-listings snapshot.
func (s *Store) InBottomListings(symbol, tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return false
	}
	for _, l := range rec.BottomListings {
		if l.ID == tokenID {
			return true
		}
	}
	return false
}

// SetHighestCollectionOffer records our outstanding collection offer.
// Passing nil clears it.
func (s *Store) SetHighestCollectionOffer(symbol string, offer *types.CollectionOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(symbol)
	rec.HighestCollectionOffer = offer
	s.markDirtyLocked()
}

// HighestCollectionOffer returns a copy of our collection offer, if any.
func (s *Store) HighestCollectionOffer(symbol string) *types.CollectionOffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok || rec.HighestCollectionOffer == nil {
		return nil
	}
	offer := *rec.HighestCollectionOffer
	return &offer
}

// TouchActivity stamps the collection's last-seen-activity time.
func (s *Store) TouchActivity(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(symbol)
	rec.LastSeenActivity = s.now().UnixMilli()
	s.markDirtyLocked()
}

// Quantity returns the collection's items-won counter.
func (s *Store) Quantity(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[symbol]
	if !ok {
		return 0
	}
	return rec.Quantity
}

// IncrementQuantity atomically increments the items-won counter,
// serializing across callers through the per-collection lock. It retries
// a bounded number of times on contention, each retry awaiting the
// current holder; on exhaustion it returns the counter as-is rather
// than risk double-counting a win.
func (s *Store) IncrementQuantity(ctx context.Context, symbol string) int {
	for attempt := 0; attempt < quantityRetries; attempt++ {
		acquired := s.qlock.TryAcquire(symbol)
		if !acquired {
			waitCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			err := s.qlock.Acquire(waitCtx, symbol)
			cancel()
			if err != nil {
				continue
			}
			acquired = true
		}

		s.mu.Lock()
		rec := s.ensureLocked(symbol)
		rec.Quantity++
		q := rec.Quantity
		s.markDirtyLocked()
		s.mu.Unlock()

		s.qlock.Release(symbol)
		return q
	}

	s.logger.Warn("quantity lock contention exhausted retries", "collection", symbol)
	return s.Quantity(symbol)
}

// Cleanup removes bid records whose expiration fell out of the max age,
// trims oversized collections to the entries with the latest expiration,
// and optionally drops records left empty.
func (s *Store) Cleanup(dropEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-MaxAge).UnixMilli()
	changed := false

	for symbol, rec := range s.records {
		for id, bid := range rec.OurBids {
			if bid.Expiration < cutoff {
				delete(rec.OurBids, id)
				delete(rec.TopBids, id)
				changed = true
			}
		}

		if len(rec.OurBids) > MaxBidsPerCollection {
			type entry struct {
				id  string
				exp int64
			}
			all := make([]entry, 0, len(rec.OurBids))
			for id, bid := range rec.OurBids {
				all = append(all, entry{id, bid.Expiration})
			}
			sort.Slice(all, func(i, j int) bool { return all[i].exp > all[j].exp })
			for _, e := range all[MaxBidsPerCollection:] {
				delete(rec.OurBids, e.id)
				delete(rec.TopBids, e.id)
			}
			changed = true
		}

		if dropEmpty && len(rec.OurBids) == 0 && rec.HighestCollectionOffer == nil && rec.Quantity == 0 {
			delete(s.records, symbol)
			changed = true
		}
	}

	if changed {
		s.markDirtyLocked()
	}
}

// Snapshot returns a deep copy of all records for the status endpoint.
func (s *Store) Snapshot() map[string]types.CollectionBidRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.CollectionBidRecord, len(s.records))
	for symbol, rec := range s.records {
		cp := types.CollectionBidRecord{
			OfferType:        rec.OfferType,
			OurBids:          make(map[string]types.BidRecord, len(rec.OurBids)),
			TopBids:          make(map[string]bool, len(rec.TopBids)),
			BottomListings:   append([]types.Listing(nil), rec.BottomListings...),
			LastSeenActivity: rec.LastSeenActivity,
			Quantity:         rec.Quantity,
		}
		for id, bid := range rec.OurBids {
			cp.OurBids[id] = bid
		}
		for id := range rec.TopBids {
			cp.TopBids[id] = true
		}
		if rec.HighestCollectionOffer != nil {
			offer := *rec.HighestCollectionOffer
			cp.HighestCollectionOffer = &offer
		}
		out[symbol] = cp
	}
	return out
}

// ForceWrite cancels any pending debounce and flushes synchronously.
// Called at shutdown.
func (s *Store) ForceWrite() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal bid history: %w", err)
	}
	return s.writeFile(data)
}

// ensureLocked returns the record for symbol, creating it lazily.
func (s *Store) ensureLocked(symbol string) *types.CollectionBidRecord {
	rec, ok := s.records[symbol]
	if !ok {
		rec = &types.CollectionBidRecord{
			OfferType: types.OfferTypeItem,
			OurBids:   make(map[string]types.BidRecord),
			TopBids:   make(map[string]bool),
		}
		s.records[symbol] = rec
	}
	return rec
}

// markDirtyLocked schedules a debounced write. Rapid mutations coalesce
// into a single flush.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("marshal bid history", "error", err)
		return
	}
	if err := s.writeFile(data); err != nil {
		s.logger.Error("persist bid history", "error", err)
	}
}

// writeFile writes the snapshot atomically: tmp file, then rename.
func (s *Store) writeFile(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bid history: %w", err)
	}
	return os.Rename(tmp, s.path)
}
