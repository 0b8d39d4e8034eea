// Package vault provides AEAD-encrypted secret storage for Bastion. Unlike
// the teacher's single package-level AES key, Vault holds a keyring so
// secrets can be rotated onto a new key without an atomic flag-day re-encrypt
// of every row: old ciphertexts stay decryptable under their original kid
// until an operator-triggered rewrap sweep moves them onto the active key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrKeyUnavailable is returned by Open when the ciphertext's kid is not
// present in the keyring — the key was retired and its key material was
// deliberately discarded, or the vault was opened with the wrong keyring.
var ErrKeyUnavailable = errors.New("vault: key unavailable for this ciphertext")

// ErrInvalidKeySize is returned when a key is not exactly 32 bytes (AES-256).
var ErrInvalidKeySize = errors.New("vault: key must be exactly 32 bytes")

// Vault seals and opens secret payloads under a keyring of AES-256-GCM AEADs.
// One key is marked active and used for all new Seal calls; every key in the
// ring remains usable for Open so previously-sealed data keeps decrypting
// across a rotation.
type Vault struct {
	mu        sync.RWMutex
	aeads     map[string]cipher.AEAD
	activeKid string
}

// New builds a Vault from a set of raw 32-byte keys keyed by kid. activeKid
// must be present in keys.
func New(keys map[string][]byte, activeKid string) (*Vault, error) {
	if _, ok := keys[activeKid]; !ok {
		return nil, fmt.Errorf("vault: active kid %q not present in keyring", activeKid)
	}

	aeads := make(map[string]cipher.AEAD, len(keys))
	for kid, key := range keys {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("vault: key %q: %w", kid, err)
		}
		aeads[kid] = aead
	}

	return &Vault{aeads: aeads, activeKid: activeKid}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Sealed is the (kid, nonce, ciphertext) triple persisted for one secret.
type Sealed struct {
	Kid        string
	Nonce      []byte
	Ciphertext []byte
}

// Seal encrypts plaintext under the vault's active key.
func (v *Vault) Seal(plaintext []byte) (Sealed, error) {
	v.mu.RLock()
	kid := v.activeKid
	aead := v.aeads[kid]
	v.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{Kid: kid, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Open decrypts a Sealed payload. Returns ErrKeyUnavailable if the kid is not
// in the keyring.
func (v *Vault) Open(s Sealed) ([]byte, error) {
	v.mu.RLock()
	aead, ok := v.aeads[s.Kid]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrKeyUnavailable
	}

	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// ActiveKid returns the kid new Seal calls will use.
func (v *Vault) ActiveKid() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeKid
}

// HasKey reports whether kid is present in the keyring.
func (v *Vault) HasKey(kid string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.aeads[kid]
	return ok
}

// Rotate adds a new key to the ring and makes it the active key for future
// Seal calls. Existing keys are retained so already-sealed secrets stay
// decryptable; callers that want old ciphertext rewrapped onto the new key
// must do so explicitly (see Service.Rekey).
func (v *Vault) Rotate(newKid string, newKey []byte) error {
	aead, err := newAEAD(newKey)
	if err != nil {
		return fmt.Errorf("vault: rotate: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.aeads[newKid] = aead
	v.activeKid = newKid
	return nil
}

// Retire removes a key from the ring entirely. After this call, ciphertexts
// still sealed under kid become permanently unreadable (ErrKeyUnavailable) —
// callers must have rewrapped every secret off kid first.
func (v *Vault) Retire(kid string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if kid == v.activeKid {
		return fmt.Errorf("vault: cannot retire the active key %q, rotate first", kid)
	}
	delete(v.aeads, kid)
	return nil
}
