package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for the password KDF. The parameters in effect at
// seal time travel inside the sealed envelope, so records written under
// older settings stay decryptable.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // 64 MB
	kdfThreads = 4
	kdfKeyLen  = 32

	saltLen = 16
)

// deriveKey stretches a password into an AEAD key with Argon2id.
func deriveKey(password string, salt []byte, time, memory uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(password), salt, time, memory, threads, kdfKeyLen)
}

// generateSalt returns a fresh random KDF salt.
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// sealBox encrypts plaintext under key with XChaCha20-Poly1305 and prepends
// the random nonce.
func sealBox(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openBox reverses sealBox.
func openBox(key, box []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(box) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := box[:nonceSize]
	return aead.Open(nil, nonce, box[nonceSize:], nil)
}
