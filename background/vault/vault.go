// Package vault holds one wallet seed in protected memory and converts it
// to and from password-encrypted stored records. Nothing here touches
// durable storage; the store package owns persistence.
package vault

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// Entropy strengths in bytes. 16 bytes is a 12-word mnemonic, 32 a 24-word.
const (
	Entropy128 = 16
	Entropy256 = 32
)

var (
	ErrInvalidEntropy = errors.New("invalid entropy length")
	ErrVaultDestroyed = errors.New("vault has been destroyed")
)

// Vault is the in-memory, decrypted holder of one seed's entropy. The
// entropy lives in a locked buffer so locking the wallet really wipes it.
type Vault struct {
	entropy *memguard.LockedBuffer
}

// New takes ownership of the given entropy bytes. The source slice is wiped.
func New(entropy []byte) (*Vault, error) {
	if len(entropy) != Entropy128 && len(entropy) != Entropy256 {
		return nil, ErrInvalidEntropy
	}
	return &Vault{entropy: memguard.NewBufferFromBytes(entropy)}, nil
}

// Generate creates a vault with fresh random entropy of the given strength.
func Generate(strength int) (*Vault, error) {
	if strength != Entropy128 && strength != Entropy256 {
		return nil, ErrInvalidEntropy
	}
	entropy, err := bip39.NewEntropy(strength * 8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	return New(entropy)
}

// FromMnemonic rebuilds a vault from a BIP39 phrase.
func FromMnemonic(mnemonic string) (*Vault, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	return New(entropy)
}

// Entropy returns a copy of the seed bytes. The caller owns the copy.
func (v *Vault) Entropy() ([]byte, error) {
	if v.entropy == nil || !v.entropy.IsAlive() {
		return nil, ErrVaultDestroyed
	}
	out := make([]byte, v.entropy.Size())
	copy(out, v.entropy.Bytes())
	return out, nil
}

// Mnemonic renders the entropy as a BIP39 phrase.
func (v *Vault) Mnemonic() (string, error) {
	entropy, err := v.Entropy()
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// DeriveKey returns the ed25519 keypair for the given account index.
// Derivation is deterministic in (entropy, index).
func (v *Vault) DeriveKey(index uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	entropy, err := v.Entropy()
	if err != nil {
		return nil, nil, err
	}
	defer wipe(entropy)

	info := fmt.Sprintf("sable/account/%d", index)
	r := hkdf.New(sha256.New, entropy, nil, []byte(info))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(seed)

	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// ImportedKey returns the keypair of a vault created from an imported raw
// ed25519 seed. The seed is the entropy itself, not a derivation of it, so
// the key matches whatever wallet it came from. Requires 32-byte entropy.
func (v *Vault) ImportedKey() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	entropy, err := v.Entropy()
	if err != nil {
		return nil, nil, err
	}
	defer wipe(entropy)

	if len(entropy) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: imported keys need %d bytes", ErrInvalidEntropy, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(entropy)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// Destroy wipes the entropy. The vault is unusable afterwards.
func (v *Vault) Destroy() {
	if v.entropy != nil && v.entropy.IsAlive() {
		v.entropy.Destroy()
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
