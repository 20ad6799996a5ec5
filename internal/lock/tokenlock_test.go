package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireUncontended(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := l.Held(); got != 1 {
		t.Errorf("Held() = %d, want 1", got)
	}
	l.Release("t1")
	if got := l.Held(); got != 0 {
		t.Errorf("Held() = %d after release, want 0", got)
	}
}

func TestDifferentTokensIndependent(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	// t2 must not block behind t1.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "t2"); err != nil {
		t.Fatalf("Acquire t2 blocked behind t1: %v", err)
	}
	l.Release("t1")
	l.Release("t2")
}

// Contending acquirers resume in arrival order: A, B, C queue while the
// lock is held and must be granted in exactly that order.
func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	start := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "t1"); err != nil {
				t.Errorf("%s: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			l.Release("t1")
		}()
		// Give the goroutine time to enqueue before starting the next,
		// so arrival order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	start("A")
	start("B")
	start("C")

	l.Release("t1")
	wg.Wait()

	want := []string{"A", "B", "C"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("resume order = %v, want %v", order, want)
		}
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	base := time.Now()
	l.now = func() time.Time { return base }
	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	// 61s later the holder is presumed dead; a new acquirer takes over
	// without blocking.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "t1"); err != nil {
		t.Fatalf("stale lock was not reclaimed: %v", err)
	}
	l.Release("t1")
}

// A stale holder with a queued waiter must not deadlock: the next
// acquire hands the lock to the head waiter and queues behind it.
func TestStaleHolderWithWaiterReclaimed(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	base := time.Now()
	l.now = func() time.Time { return base }
	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Acquire(context.Background(), "t1"); err != nil {
			t.Errorf("waiter: %v", err)
			return
		}
		mu.Lock()
		order = append(order, "waiter")
		mu.Unlock()
		l.Release("t1")
	}()
	time.Sleep(30 * time.Millisecond) // let the waiter enqueue

	// The holder dies without releasing. 61s later a new acquirer must
	// unblock the queued waiter and then get the lock itself.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "t1"); err != nil {
		t.Fatalf("acquire behind stale holder: %v", err)
	}
	mu.Lock()
	order = append(order, "reclaimer")
	mu.Unlock()
	l.Release("t1")
	wg.Wait()

	want := []string{"waiter", "reclaimer"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("resume order = %v, want %v", order, want)
		}
	}
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()
	l := NewTokenLock()

	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "t1"); err == nil {
		t.Error("expected context error for cancelled acquire")
	}

	// The abandoned waiter must not corrupt the queue: release should
	// leave the lock free for a fresh acquirer.
	l.Release("t1")
	if err := l.Acquire(context.Background(), "t1"); err != nil {
		t.Fatalf("Acquire after cancelled waiter: %v", err)
	}
	l.Release("t1")
}

func TestKeyedTryAcquire(t *testing.T) {
	t.Parallel()
	k := NewKeyed()

	if !k.TryAcquire("punks") {
		t.Fatal("first TryAcquire should succeed")
	}
	if k.TryAcquire("punks") {
		t.Error("second TryAcquire should fail while held")
	}
	if !k.TryAcquire("other") {
		t.Error("different key should be independent")
	}
	k.Release("punks")
	if !k.TryAcquire("punks") {
		t.Error("TryAcquire after release should succeed")
	}
}

func TestKeyedAcquireBlocks(t *testing.T) {
	t.Parallel()
	k := NewKeyed()

	if err := k.Acquire(context.Background(), "punks"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := k.Acquire(ctx, "punks"); err == nil {
		t.Error("expected context error while key held")
	}

	k.Release("punks")
	if err := k.Acquire(context.Background(), "punks"); err != nil {
		t.Fatal(err)
	}
	k.Release("punks")
}
