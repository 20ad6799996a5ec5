package wallet

import (
	"context"
	"strings"
	"sync"
	"time"
)

// windowLength is the rolling interval during which a wallet may place
// at most bidsPerMinute bids.
const windowLength = 60 * time.Second

// Pool hands out wallets for bidding, enforcing each wallet's 60-second
// window. Selection is least-recently-used among wallets with headroom.
type Pool struct {
	mu            sync.Mutex
	entries       []*Entry
	bidsPerMinute int

	now func() time.Time
}

// NewPool creates a pool over the given wallets.
func NewPool(entries []*Entry, bidsPerMinute int) *Pool {
	return &Pool{
		entries:       entries,
		bidsPerMinute: bidsPerMinute,
		now:           time.Now,
	}
}

// Size returns the number of wallets in the pool.
func (p *Pool) Size() int { return len(p.entries) }

// BidsPerMinute returns the per-wallet window cap.
func (p *Pool) BidsPerMinute() int { return p.bidsPerMinute }

// Capacity returns the pool's total bids per minute.
func (p *Pool) Capacity() int { return len(p.entries) * p.bidsPerMinute }

// resetExpiredLocked resets any wallet whose window has elapsed.
func (p *Pool) resetExpiredLocked(now time.Time) {
	for _, e := range p.entries {
		if now.Sub(e.windowStart) >= windowLength {
			e.bidsInWindow = 0
			e.windowStart = now
			e.disabled = false
		}
	}
}

// Acquire returns the least-recently-used wallet with window headroom,
// pre-incrementing its counter, or nil when every wallet is saturated.
// A caller whose bid is ultimately not placed must undo the increment
// with DecrementBidCount.
func (p *Pool) Acquire() *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetExpiredLocked(now)

	var best *Entry
	for _, e := range p.entries {
		if e.disabled || e.bidsInWindow >= p.bidsPerMinute {
			continue
		}
		if best == nil || e.lastUsed.Before(best.lastUsed) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	best.bidsInWindow++
	best.lastUsed = now
	return best
}

// WaitForAvailable blocks until a wallet has headroom or ctx is
// cancelled.
func (p *Pool) WaitForAvailable(ctx context.Context) (*Entry, error) {
	for {
		if e := p.Acquire(); e != nil {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// RecordBid increments the window counter of the wallet owning the
// payment address. Legacy path for bids placed outside Acquire.
func (p *Pool) RecordBid(paymentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetExpiredLocked(p.now())
	if e := p.byPaymentLocked(paymentAddress); e != nil {
		if e.bidsInWindow < p.bidsPerMinute {
			e.bidsInWindow++
		}
		e.lastUsed = p.now()
	}
}

// DecrementBidCount undoes a pre-increment for a bid that was not
// placed. Never drops the counter below zero.
func (p *Pool) DecrementBidCount(paymentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.byPaymentLocked(paymentAddress); e != nil && e.bidsInWindow > 0 {
		e.bidsInWindow--
	}
}

// DisableForWindow sidelines a wallet until its current window resets.
// Used when the marketplace answers 429 for this wallet.
func (p *Pool) DisableForWindow(paymentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.byPaymentLocked(paymentAddress); e != nil {
		e.disabled = true
	}
}

// GetByPaymentAddress finds a wallet by payment address,
// case-insensitively. Returns nil when unknown.
func (p *Pool) GetByPaymentAddress(addr string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byPaymentLocked(addr)
}

// GetByReceiveAddress finds a wallet by receive address,
// case-insensitively. Returns nil when unknown.
func (p *Pool) GetByReceiveAddress(addr string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if strings.EqualFold(e.ReceiveAddress, addr) {
			return e
		}
	}
	return nil
}

// OwnsAddress reports whether addr is any of our payment or receive
// addresses. Used by the event own-wallet filter.
func (p *Pool) OwnsAddress(addr string) bool {
	if addr == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if strings.EqualFold(e.PaymentAddress, addr) || strings.EqualFold(e.ReceiveAddress, addr) {
			return true
		}
	}
	return false
}

// ResetAllWindows zeroes every wallet's counter. Diagnostic/test hook.
func (p *Pool) ResetAllWindows() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, e := range p.entries {
		e.bidsInWindow = 0
		e.windowStart = now
		e.disabled = false
	}
}

func (p *Pool) byPaymentLocked(addr string) *Entry {
	for _, e := range p.entries {
		if strings.EqualFold(e.PaymentAddress, addr) {
			return e
		}
	}
	return nil
}

// WalletStatus is a point-in-time view of one wallet for the status
// endpoint.
type WalletStatus struct {
	Label        string `json:"label"`
	Payment      string `json:"paymentAddress"`
	BidsInWindow int    `json:"bidsInWindow"`
	Disabled     bool   `json:"disabled"`
}

// Snapshot returns the state of every wallet.
func (p *Pool) Snapshot() []WalletStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetExpiredLocked(p.now())
	out := make([]WalletStatus, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, WalletStatus{
			Label:        e.Label,
			Payment:      e.PaymentAddress,
			BidsInWindow: e.bidsInWindow,
			Disabled:     e.disabled,
		})
	}
	return out
}
