// Package wallet manages the pool of funding wallets the agent bids
// from. Each wallet carries a rolling 60-second window capping how many
// bids it may place; the pool hands out the least-recently-used wallet
// with headroom, pre-incrementing its counter so two callers can never
// over-commit the same window.
package wallet

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Entry is a single funding wallet. PaymentAddress (segwit v0) funds and
// receives offers; ReceiveAddress (taproot) is where won tokens land.
type Entry struct {
	Label          string
	PaymentAddress string
	ReceiveAddress string
	PaymentPubKey  string // compressed, hex

	priv *btcec.PrivateKey

	// Window accounting, owned by the pool's mutex.
	bidsInWindow int
	windowStart  time.Time
	lastUsed     time.Time
	disabled     bool // remote 429: sidelined until the window resets
}

// NewEntry derives a wallet from its WIF-encoded signing key. The
// payment address is P2WPKH over the compressed pubkey; the receive
// address is the key-path-only taproot address, unless overrideReceive
// is set (address centralization).
func NewEntry(label, wif, overrideReceive string) (*Entry, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: decode wif: %w", label, err)
	}
	priv := decoded.PrivKey
	pub := priv.PubKey()

	payment, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: payment address: %w", label, err)
	}

	receive := overrideReceive
	if receive == "" {
		taprootKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), &chaincfg.MainNetParams)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: receive address: %w", label, err)
		}
		receive = addr.EncodeAddress()
	}

	return &Entry{
		Label:          label,
		PaymentAddress: payment.EncodeAddress(),
		ReceiveAddress: receive,
		PaymentPubKey:  hex.EncodeToString(pub.SerializeCompressed()),
		priv:           priv,
	}, nil
}

// PrivKey exposes the signing key to the marketplace template signer.
func (e *Entry) PrivKey() *btcec.PrivateKey { return e.priv }

// BidsInWindow returns the current window counter. Diagnostic; callers
// that need consistency must go through the pool.
func (e *Entry) BidsInWindow() int { return e.bidsInWindow }
