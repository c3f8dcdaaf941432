package vault

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Stored record versions. Version 1 records predate raw-entropy storage and
// hold the mnemonic string itself; they upgrade in place the first time they
// decrypt. Unknown versions fail closed.
const (
	RecordVersionMnemonic uint32 = 1
	RecordVersionCurrent  uint32 = 2
)

var (
	ErrDecryptionFailed = errors.New("decryption failed: wrong password or corrupted record")
	ErrUnknownFormat    = errors.New("unknown stored record format")
)

// Record is one encrypted vault as persisted by the store. Immutable once
// written except for password change (re-encrypted) and migration (version
// bumped).
type Record struct {
	ID         uuid.UUID `json:"id"`
	Version    uint32    `json:"version"`
	Ciphertext []byte    `json:"ciphertext"`
}

// sealedEnvelope is the CBOR body of Record.Ciphertext: the KDF inputs that
// produced the key plus the nonce-prefixed AEAD box.
type sealedEnvelope struct {
	Salt    []byte `cbor:"1,keyasint"`
	Time    uint32 `cbor:"2,keyasint"`
	Memory  uint32 `cbor:"3,keyasint"`
	Threads uint8  `cbor:"4,keyasint"`
	Box     []byte `cbor:"5,keyasint"`
}

// Seal encrypts the vault's entropy under the password, producing a record
// at the current version. A zero id gets a fresh one.
func (v *Vault) Seal(password string, id uuid.UUID) (*Record, error) {
	entropy, err := v.Entropy()
	if err != nil {
		return nil, err
	}
	defer wipe(entropy)

	return sealPlaintext(password, id, RecordVersionCurrent, entropy)
}

func sealPlaintext(password string, id uuid.UUID, version uint32, plaintext []byte) (*Record, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(password, salt, kdfTime, kdfMemory, kdfThreads)
	defer wipe(key)

	box, err := sealBox(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}

	ciphertext, err := cbor.Marshal(sealedEnvelope{
		Salt:    salt,
		Time:    kdfTime,
		Memory:  kdfMemory,
		Threads: kdfThreads,
		Box:     box,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return &Record{ID: id, Version: version, Ciphertext: ciphertext}, nil
}

// Open decrypts a stored record. migrated reports that the record held a
// legacy mnemonic body and should be re-sealed at the current version by the
// caller; the upgrade itself is never silent.
func Open(password string, record *Record) (v *Vault, migrated bool, err error) {
	switch record.Version {
	case RecordVersionCurrent:
		plaintext, err := openRecord(password, record)
		if err != nil {
			return nil, false, err
		}
		vault, err := New(plaintext)
		if err != nil {
			return nil, false, err
		}
		return vault, false, nil

	case RecordVersionMnemonic:
		plaintext, err := openRecord(password, record)
		if err != nil {
			return nil, false, err
		}
		entropy, err := bip39.EntropyFromMnemonic(string(plaintext))
		wipe(plaintext)
		if err != nil {
			return nil, false, fmt.Errorf("legacy record held an invalid mnemonic: %w", err)
		}
		vault, err := New(entropy)
		if err != nil {
			return nil, false, err
		}
		return vault, true, nil

	default:
		return nil, false, fmt.Errorf("%w: version %d", ErrUnknownFormat, record.Version)
	}
}

// Check decrypts and discards, reporting whether the password fits the
// record. Used purely for password verification.
func Check(password string, record *Record) bool {
	v, _, err := Open(password, record)
	if err != nil {
		return false
	}
	v.Destroy()
	return true
}

// RevealMnemonic is the soft decrypt path for display flows: failure is a
// normal outcome, reported as ok=false rather than an error.
func RevealMnemonic(password string, record *Record) (mnemonic string, ok bool) {
	v, _, err := Open(password, record)
	if err != nil {
		return "", false
	}
	defer v.Destroy()

	mnemonic, err = v.Mnemonic()
	if err != nil {
		return "", false
	}
	return mnemonic, true
}

// openRecord peels the envelope with the password and returns the plaintext.
func openRecord(password string, record *Record) ([]byte, error) {
	var env sealedEnvelope
	if err := cbor.Unmarshal(record.Ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrUnknownFormat)
	}
	if len(env.Salt) == 0 || len(env.Box) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrUnknownFormat)
	}

	key := deriveKey(password, env.Salt, env.Time, env.Memory, env.Threads)
	defer wipe(key)

	plaintext, err := openBox(key, env.Box)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
