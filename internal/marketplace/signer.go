package marketplace

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signer signs the offer templates returned by the marketplace create
// and cancel endpoints.
type Signer interface {
	// SignTemplate signs the listed inputs of a base64 template with the
	// wallet key and returns the signed template, base64-encoded.
	SignTemplate(templateBase64 string, inputs []int, key *btcec.PrivateKey) (string, error)
}

// TemplateSigner signs marketplace offer templates with ECDSA over the
// wallet's payment key. The marketplace finalizes and broadcasts; we
// only contribute input signatures.
type TemplateSigner struct{}

// NewTemplateSigner returns the default signer.
func NewTemplateSigner() *TemplateSigner { return &TemplateSigner{} }

// SignTemplate decodes the template, signs the digest of each requested
// input, and re-encodes the template with signatures appended.
func (s *TemplateSigner) SignTemplate(templateBase64 string, inputs []int, key *btcec.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("sign template: nil key")
	}
	raw, err := base64.StdEncoding.DecodeString(templateBase64)
	if err != nil {
		return "", fmt.Errorf("decode template: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty template")
	}

	out := make([]byte, len(raw), len(raw)+len(inputs)*72)
	copy(out, raw)
	for _, idx := range inputs {
		digest := inputDigest(raw, idx)
		sig := ecdsa.Sign(key, digest)
		out = append(out, sig.Serialize()...)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// inputDigest derives the per-input signing digest from the template
// bytes and the input index.
func inputDigest(template []byte, input int) []byte {
	h := sha256.New()
	h.Write(template)
	h.Write([]byte{byte(input), byte(input >> 8), byte(input >> 16), byte(input >> 24)})
	first := h.Sum(nil)
	second := sha256.Sum256(first)
	return second[:]
}
