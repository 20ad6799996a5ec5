package wallet

import (
	"fmt"
	"strings"
)

// GroupManager routes wallet selection by collection: a collection bound
// to a group bids only from that group's pool; unbound collections fall
// back to the default group.
type GroupManager struct {
	groups       map[string]*Pool
	byCollection map[string]string // collection symbol -> group name
	defaultGroup string
}

// NewGroupManager wires named pools to collections. bindings maps
// collection symbol to group name; every referenced group must exist and
// a symbol may be bound at most once (enforced upstream at config load).
func NewGroupManager(groups map[string]*Pool, bindings map[string]string, defaultGroup string) (*GroupManager, error) {
	if _, ok := groups[defaultGroup]; defaultGroup != "" && !ok {
		return nil, fmt.Errorf("default wallet group %q does not exist", defaultGroup)
	}
	for sym, name := range bindings {
		if _, ok := groups[name]; !ok {
			return nil, fmt.Errorf("collection %s bound to unknown wallet group %q", sym, name)
		}
	}
	return &GroupManager{
		groups:       groups,
		byCollection: bindings,
		defaultGroup: defaultGroup,
	}, nil
}

// PoolFor returns the pool serving the collection symbol.
func (g *GroupManager) PoolFor(symbol string) *Pool {
	if name, ok := g.byCollection[symbol]; ok {
		return g.groups[name]
	}
	return g.groups[g.defaultGroup]
}

// Capacity returns total bids per minute across all groups, which is
// the global pacer's window capacity.
func (g *GroupManager) Capacity() int {
	total := 0
	for _, p := range g.groups {
		total += p.Capacity()
	}
	return total
}

// TotalWallets returns the wallet count across all groups.
func (g *GroupManager) TotalWallets() int {
	total := 0
	for _, p := range g.groups {
		total += p.Size()
	}
	return total
}

// OwnsAddress reports whether any group's wallet owns addr.
func (g *GroupManager) OwnsAddress(addr string) bool {
	for _, p := range g.groups {
		if p.OwnsAddress(addr) {
			return true
		}
	}
	return false
}

// FindByPaymentAddress searches every group for a wallet by payment
// address, returning the pool it belongs to as well.
func (g *GroupManager) FindByPaymentAddress(addr string) (*Entry, *Pool) {
	for _, p := range g.groups {
		if e := p.GetByPaymentAddress(addr); e != nil {
			return e, p
		}
	}
	return nil, nil
}

// Snapshot returns per-group wallet state for the status endpoint.
func (g *GroupManager) Snapshot() map[string][]WalletStatus {
	out := make(map[string][]WalletStatus, len(g.groups))
	for name, p := range g.groups {
		out[name] = p.Snapshot()
	}
	return out
}

// GroupNames returns the configured group names, for logging.
func (g *GroupManager) GroupNames() string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}
