package wallet

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressPool is a fixed set of taproot receive addresses derived from a
// seed, handed out round-robin so won tokens spread across addresses
// instead of piling onto one.
type AddressPool struct {
	mu    sync.Mutex
	addrs []string
	next  int
}

// NewAddressPool derives size receive addresses from the seed. The same
// seed always yields the same addresses.
func NewAddressPool(seed string, size int) (*AddressPool, error) {
	if seed == "" {
		return nil, fmt.Errorf("address pool: seed is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("address pool: size must be >= 1, got %d", size)
	}

	digest := sha256.Sum256([]byte(seed))
	master, err := hdkeychain.NewMaster(digest[:], &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("address pool: master key: %w", err)
	}

	addrs := make([]string, 0, size)
	for i := uint32(0); len(addrs) < size; i++ {
		child, err := master.Derive(i)
		if err != nil {
			// A rare child index yields an invalid key; skip it.
			continue
		}
		pub, err := child.ECPubKey()
		if err != nil {
			continue
		}
		taprootKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), &chaincfg.MainNetParams)
		if err != nil {
			return nil, fmt.Errorf("address pool: address %d: %w", i, err)
		}
		addrs = append(addrs, addr.EncodeAddress())
	}
	return &AddressPool{addrs: addrs}, nil
}

// Next returns the next address in rotation.
func (p *AddressPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.addrs[p.next%len(p.addrs)]
	p.next++
	return addr
}

// Size returns the number of derived addresses.
func (p *AddressPool) Size() int { return len(p.addrs) }
