// wallets.go loads config/wallets.json in either of its two shapes:
//
//	flat:    {"wallets": [...], "bidsPerMinute": n}
//	grouped: {"groups": {"name": {"wallets": [...], "bidsPerMinute": n}},
//	          "defaultGroup": "name", "fundingWallet": {...}}
//
// The file may be stored as an encrypted envelope
// {salt, iv, authTag, encrypted} produced by Encrypt: PBKDF2-SHA256
// (100 000 iterations) derives a 256-bit key, AES-GCM seals the
// plaintext.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltLen          = 32
	ivLen            = 16 // 128-bit IV
	keyLen           = 32 // AES-256
)

// WalletDef is one wallet entry of the wallets file.
type WalletDef struct {
	Label          string `json:"label"`
	WIF            string `json:"wif"`
	ReceiveAddress string `json:"receiveAddress,omitempty"`
}

// WalletGroupDef is one named group of wallets.
type WalletGroupDef struct {
	Wallets       []WalletDef `json:"wallets"`
	BidsPerMinute int         `json:"bidsPerMinute"`
}

// WalletsFile is the parsed wallets configuration, flat or grouped.
type WalletsFile struct {
	// Flat shape.
	Wallets       []WalletDef `json:"wallets,omitempty"`
	BidsPerMinute int         `json:"bidsPerMinute,omitempty"`

	// Grouped shape.
	Groups        map[string]WalletGroupDef `json:"groups,omitempty"`
	DefaultGroup  string                    `json:"defaultGroup,omitempty"`
	FundingWallet *WalletDef                `json:"fundingWallet,omitempty"`
}

// Grouped reports whether the file uses the grouped shape.
func (f *WalletsFile) Grouped() bool { return len(f.Groups) > 0 }

// Validate checks shape-specific requirements.
func (f *WalletsFile) Validate() error {
	if f.Grouped() {
		if f.DefaultGroup == "" {
			return fmt.Errorf("wallets file: defaultGroup is required with groups")
		}
		if _, ok := f.Groups[f.DefaultGroup]; !ok {
			return fmt.Errorf("wallets file: defaultGroup %q does not exist", f.DefaultGroup)
		}
		for name, g := range f.Groups {
			if len(g.Wallets) == 0 {
				return fmt.Errorf("wallets file: group %q has no wallets", name)
			}
			if g.BidsPerMinute < 1 {
				return fmt.Errorf("wallets file: group %q: bidsPerMinute must be >= 1", name)
			}
		}
		return nil
	}
	if len(f.Wallets) == 0 {
		return fmt.Errorf("wallets file: no wallets defined")
	}
	if f.BidsPerMinute < 1 {
		return fmt.Errorf("wallets file: bidsPerMinute must be >= 1")
	}
	return nil
}

// envelope is the encrypted on-disk form. All fields are hex-encoded.
type envelope struct {
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
	Encrypted string `json:"encrypted"`
}

// LoadWallets reads the wallets file, transparently decrypting the
// envelope form when passphrase is non-empty and the file is sealed.
func LoadWallets(path, passphrase string) (*WalletsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallets file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Encrypted != "" {
		if passphrase == "" {
			return nil, fmt.Errorf("wallets file %s is encrypted but no passphrase was provided", path)
		}
		data, err = Decrypt(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypt wallets file: %w", err)
		}
	}

	var file WalletsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse wallets file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Encrypt seals plaintext into the envelope form.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	return json.MarshalIndent(envelope{
		Salt:      hex.EncodeToString(salt),
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(sealed[tagStart:]),
		Encrypted: hex.EncodeToString(sealed[:tagStart]),
	}, "", "  ")
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(envelopeJSON []byte, passphrase string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(envelopeJSON, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode authTag: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return plaintext, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
