package events

import (
	"container/heap"
	"context"

	"ordinals-bidder/pkg/types"
)

// Task is one unit of work for the dispatch workers: either a
// marketplace event to counter-bid on, or a scheduled-loop closure.
type Task struct {
	// Event is set for counter-bid work (priority 1).
	Event *types.Event

	// Run is set for scheduled-loop bid tasks (priority 0).
	Run func(ctx context.Context)

	priority int
	seq      uint64 // arrival order, for stable FIFO within a priority
	key      string // dedup key, "" for purchases and scheduled tasks
	index    int    // heap bookkeeping
}

// IsPurchase reports whether the task wraps a purchase event, which the
// overflow policy must never drop while alternatives exist.
func (t *Task) IsPurchase() bool {
	return t.Event != nil && types.IsPurchaseKind(t.Event.Kind)
}

// taskHeap orders tasks by (priority desc, seq asc): counter-bids jump
// ahead of scheduled work, and equal-priority tasks keep arrival order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// removeTask detaches the task at heap index i.
func removeTask(h *taskHeap, i int) *Task {
	return heap.Remove(h, i).(*Task)
}

// oldestDroppable returns the heap index of the overflow victim: the
// earliest-arrived non-purchase task, or, if every queued task is a
// purchase, the earliest-arrived task overall. Returns -1 on an empty
// heap.
func oldestDroppable(h taskHeap) int {
	oldestAny, oldestNonPurchase := -1, -1
	for i, t := range h {
		if oldestAny == -1 || t.seq < h[oldestAny].seq {
			oldestAny = i
		}
		if !t.IsPurchase() && (oldestNonPurchase == -1 || t.seq < h[oldestNonPurchase].seq) {
			oldestNonPurchase = i
		}
	}
	if oldestNonPurchase != -1 {
		return oldestNonPurchase
	}
	return oldestAny
}
