// Package events owns the bounded priority work queue between the push
// stream and the bid workers, and every pre-queue filter that keeps bad
// or redundant work out of it:
//
//  1. Ready gate — everything received before SetReady is discarded, so
//     events cannot trigger decisions against unloaded state.
//  2. Watched-kind filter.
//  3. Known-collection filter.
//  4. Own-wallet filter — our own offer activity is not news. Purchase
//     kinds are exempt: a broadcasted purchase by one of our wallets is
//     how a win gets credited downstream.
//  5. Per-key dedup cooldown — bursts about the same token or collection
//     collapse to one event per cooldown window.
//  6. In-queue supersession — a newer event replaces a queued one with
//     the same dedup key instead of racing it.
//
// When the queue is full, the oldest non-purchase element is dropped;
// purchase events only give way to other purchases.
package events

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"ordinals-bidder/pkg/types"
)

const (
	// DefaultMaxQueueSize bounds the work queue.
	DefaultMaxQueueSize = 1000

	// DedupCooldown is the per-key minimum spacing between admitted
	// events.
	DedupCooldown = 5 * time.Second

	// dropLogInterval paces overflow logging so a flood does not also
	// flood the log.
	dropLogInterval = 50
)

// Stats are the manager's drop and processing counters. All counts are
// cumulative since startup.
type Stats struct {
	StartupDiscarded  uint64 `json:"startupEventsDiscarded"`
	UnwatchedKind     uint64 `json:"unwatchedKindDropped"`
	UnknownCollection uint64 `json:"unknownCollectionDropped"`
	OwnWallet         uint64 `json:"ownWalletDropped"`
	Deduplicated      uint64 `json:"deduplicated"`
	Superseded        uint64 `json:"superseded"`
	OverflowDropped   uint64 `json:"overflowDropped"`
	Processed         uint64 `json:"processed"`
	WorkerPanics      uint64 `json:"workerPanics"`
}

// Handler consumes events that survived all filters.
type Handler func(ctx context.Context, evt types.Event)

// Manager is the event intake and dispatch hub.
type Manager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	byKey  map[string]*Task
	seq    uint64
	closed bool

	maxSize     int
	ready       bool
	collections map[string]bool
	ownsAddress func(string) bool

	dedupItems map[string]int64 // tokenID -> last admitted, epoch ms
	dedupColls map[string]int64 // symbol -> last admitted, epoch ms

	stats     Stats
	dropCount uint64

	logger *slog.Logger
	now    func() time.Time
}

// New creates a manager watching the given collection symbols.
// ownsAddress reports whether an address belongs to one of our wallets.
func New(maxSize int, collections []string, ownsAddress func(string) bool, logger *slog.Logger) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	active := make(map[string]bool, len(collections))
	for _, sym := range collections {
		active[sym] = true
	}
	m := &Manager{
		byKey:       make(map[string]*Task),
		maxSize:     maxSize,
		collections: active,
		ownsAddress: ownsAddress,
		dedupItems:  make(map[string]int64),
		dedupColls:  make(map[string]int64),
		logger:      logger.With("component", "events"),
		now:         time.Now,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetReady opens the gate: events submitted from now on are processed.
// Anything staged before this point is cleared and counted as a startup
// discard, because it predates the loaded bid state.
func (m *Manager) SetReady() {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := len(m.heap)
	if staged > 0 {
		m.heap = m.heap[:0]
		m.byKey = make(map[string]*Task)
		m.stats.StartupDiscarded += uint64(staged)
	}
	m.ready = true
	m.logger.Info("event gate open", "staged_discarded", staged)
}

// SubmitEvent runs an incoming event through the pre-queue filters and,
// if it survives, enqueues it at counter-bid priority. Returns whether
// the event was admitted.
func (m *Manager) SubmitEvent(evt types.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if !m.ready {
		m.stats.StartupDiscarded++
		return false
	}
	if !types.IsWatchedKind(evt.Kind) {
		m.stats.UnwatchedKind++
		return false
	}
	if !m.collections[evt.CollectionSymbol] {
		m.stats.UnknownCollection++
		return false
	}
	if !types.IsPurchaseKind(evt.Kind) && m.ownsAddress != nil &&
		(m.ownsAddress(evt.BuyerPaymentAddress) || m.ownsAddress(evt.NewOwner)) {
		m.stats.OwnWallet++
		return false
	}
	if m.isDuplicateLocked(evt) {
		m.stats.Deduplicated++
		return false
	}

	key := evt.DedupKey()
	if key != "" {
		if prev, ok := m.byKey[key]; ok {
			removeTask(&m.heap, prev.index)
			delete(m.byKey, key)
			m.stats.Superseded++
		}
	}

	m.enqueueLocked(&Task{Event: &evt, priority: 1, key: key})
	return true
}

// SubmitTask enqueues a scheduled-loop bid task at normal priority.
func (m *Manager) SubmitTask(run func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.enqueueLocked(&Task{Run: run, priority: 0})
}

// isDuplicateLocked applies the per-key cooldown and stamps the key on
// admission. Item events share a key across placed/cancelled; collection
// offer events share the collection's key. Purchases are never deduped.
func (m *Manager) isDuplicateLocked(evt types.Event) bool {
	nowMs := m.now().UnixMilli()
	cooldown := DedupCooldown.Milliseconds()

	switch evt.Kind {
	case types.KindOfferPlaced, types.KindOfferCancelled:
		if last, ok := m.dedupItems[evt.TokenID]; ok && nowMs-last < cooldown {
			return true
		}
		m.dedupItems[evt.TokenID] = nowMs
	case types.KindCollOfferCreated, types.KindCollOfferEdited, types.KindCollOfferCancelled:
		if last, ok := m.dedupColls[evt.CollectionSymbol]; ok && nowMs-last < cooldown {
			return true
		}
		m.dedupColls[evt.CollectionSymbol] = nowMs
	}
	return false
}

func (m *Manager) enqueueLocked(t *Task) {
	if len(m.heap) >= m.maxSize {
		if victim := oldestDroppable(m.heap); victim >= 0 {
			dropped := removeTask(&m.heap, victim)
			if dropped.key != "" {
				delete(m.byKey, dropped.key)
			}
			m.stats.OverflowDropped++
			m.dropCount++
			if m.dropCount%dropLogInterval == 1 {
				m.logger.Warn("work queue overflow",
					"dropped_total", m.stats.OverflowDropped,
					"queue_size", len(m.heap),
				)
			}
		}
	}

	m.seq++
	t.seq = m.seq
	heap.Push(&m.heap, t)
	if t.key != "" {
		m.byKey[t.key] = t
	}
	m.cond.Signal()
}

// Depth returns the number of queued tasks.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// Snapshot returns the current counters.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run starts the worker set and blocks until ctx is cancelled and all
// workers have drained their in-flight task. Event tasks go to handler;
// scheduled tasks run their own closure. A panicking task is counted
// and its worker returns to the queue.
func (m *Manager) Run(ctx context.Context, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}

	go func() {
		<-ctx.Done()
		m.close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := m.pop()
				if !ok {
					return
				}
				m.runTask(ctx, task, handler)
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) runTask(ctx context.Context, task *Task, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			m.stats.WorkerPanics++
			m.mu.Unlock()
			m.logger.Error("worker recovered from panic", "panic", r)
		}
	}()

	if task.Run != nil {
		task.Run(ctx)
	} else if task.Event != nil {
		handler(ctx, *task.Event)
	}

	m.mu.Lock()
	m.stats.Processed++
	m.mu.Unlock()
}

// pop blocks until a task is available or the manager is closed.
func (m *Manager) pop() (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.heap) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}

	task := removeTask(&m.heap, 0)
	if task.key != "" {
		delete(m.byKey, task.key)
	}
	return task, true
}

func (m *Manager) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}
