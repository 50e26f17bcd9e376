// Package encryption implements server-side encryption for object payloads
// (§4.B). Every encrypted object carries its own 256-bit data key and
// 96-bit nonce; AES-256-GCM seals the plaintext into ciphertext plus a
// 16-byte authentication tag. There is no suitable third-party AEAD
// primitive in the example corpus beyond what crypto/aes and
// crypto/cipher already provide, so this package is stdlib-only by
// design (see DESIGN.md).
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce size
)

// Sealed holds the output of Seal: ciphertext-plus-tag along with the
// per-object key material needed to reverse it. Key and Nonce are
// persisted in the object's metadata sidecar, never in the payload file.
type Sealed struct {
	Ciphertext []byte
	Key        []byte
	Nonce      []byte
}

// GenerateKey returns a fresh random 256-bit data key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under a freshly generated data key and nonce.
// The returned Ciphertext includes the GCM authentication tag appended by
// the standard library's Seal.
func Seal(plaintext []byte) (*Sealed, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &Sealed{Ciphertext: ciphertext, Key: key, Nonce: nonce}, nil
}

// Open decrypts ciphertext (which includes the trailing GCM tag) using the
// given data key and nonce. Any failure — wrong key, corrupted tag,
// truncated ciphertext — is reported uniformly; callers surface it as
// InternalError.
func Open(ciphertext, key, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM mode: %w", err)
	}
	return gcm, nil
}

// MasterKey optionally wraps per-object data keys at rest, so the sidecar
// stores Wrap(key) instead of the raw key. If no master key is configured,
// the server generates an in-memory one with NewMasterKey; it lives only as
// long as the current process, so keys it wrapped cannot be unwrapped after
// a restart.
type MasterKey struct {
	key []byte
}

// NewMasterKey generates a random in-memory master key, used when the
// encryption.master_key_base64 config field is empty.
func NewMasterKey() (*MasterKey, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &MasterKey{key: key}, nil
}

// NewMasterKeyFromBytes wraps a caller-supplied 32-byte master key,
// typically decoded from the encryption.master_key_base64 config field.
func NewMasterKeyFromBytes(key []byte) (*MasterKey, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	return &MasterKey{key: key}, nil
}

// Wrap encrypts a per-object data key under the master key. The nonce is
// prepended to the returned blob so Unwrap is self-contained.
func (m *MasterKey) Wrap(dataKey []byte) ([]byte, error) {
	gcm, err := newGCM(m.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating wrap nonce: %w", err)
	}
	wrapped := gcm.Seal(nonce, nonce, dataKey, nil)
	return wrapped, nil
}

// Unwrap reverses Wrap, recovering the per-object data key.
func (m *MasterKey) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}
	gcm, err := newGCM(m.key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	dataKey, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	return dataKey, nil
}
