package vault

import (
	"context"
	"fmt"

	"github.com/Syt100/bastion-sub003/internal/store"
)

// Service is the high-level, store-backed facade over Vault: it translates
// named (kind, node_id, name) secrets to and from the store's Secret rows,
// sealing on write and opening on read.
type Service struct {
	vault *Vault
	repo  store.SecretRepository
}

// NewService returns a Service backed by v and repo.
func NewService(v *Vault, repo store.SecretRepository) *Service {
	return &Service{vault: v, repo: repo}
}

// Put seals plaintext under the vault's active key and upserts it at
// (kind, nodeID, name).
func (s *Service) Put(ctx context.Context, kind, nodeID, name string, plaintext []byte) error {
	sealed, err := s.vault.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("vault service: seal: %w", err)
	}

	row := &store.Secret{
		Kind:       kind,
		NodeID:     nodeID,
		Name:       name,
		Kid:        sealed.Kid,
		Nonce:      sealed.Nonce,
		Ciphertext: sealed.Ciphertext,
	}
	if err := s.repo.Upsert(ctx, row); err != nil {
		return fmt.Errorf("vault service: upsert: %w", err)
	}
	return nil
}

// Get fetches and decrypts the secret at (kind, nodeID, name). Returns
// store.ErrNotFound if no such secret exists, or ErrKeyUnavailable if its
// kid has been retired from the keyring.
func (s *Service) Get(ctx context.Context, kind, nodeID, name string) ([]byte, error) {
	row, err := s.repo.Get(ctx, kind, nodeID, name)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.vault.Open(Sealed{Kid: row.Kid, Nonce: row.Nonce, Ciphertext: row.Ciphertext})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Delete removes the secret at (kind, nodeID, name).
func (s *Service) Delete(ctx context.Context, kind, nodeID, name string) error {
	return s.repo.Delete(ctx, kind, nodeID, name)
}

// List returns every secret name scoped to nodeID without decrypting
// payloads — used by listing endpoints that only need names/kids, not
// plaintext.
func (s *Service) List(ctx context.Context, nodeID string) ([]*store.Secret, error) {
	return s.repo.List(ctx, nodeID)
}

// Rekey re-seals every secret currently encrypted under an inactive or
// about-to-be-retired key onto the vault's current active key. Intended to
// run once after Vault.Rotate so old ciphertexts can eventually be retired
// without losing data. Secrets already on the active key are left alone.
func (s *Service) Rekey(ctx context.Context) (rewrapped int, err error) {
	rows, err := s.repo.ListAllForRekey(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault service: list for rekey: %w", err)
	}

	activeKid := s.vault.ActiveKid()
	for _, row := range rows {
		if row.Kid == activeKid {
			continue
		}

		plaintext, err := s.vault.Open(Sealed{Kid: row.Kid, Nonce: row.Nonce, Ciphertext: row.Ciphertext})
		if err != nil {
			return rewrapped, fmt.Errorf("vault service: rekey %s/%s/%s: %w", row.Kind, row.NodeID, row.Name, err)
		}

		sealed, err := s.vault.Seal(plaintext)
		if err != nil {
			return rewrapped, fmt.Errorf("vault service: reseal %s/%s/%s: %w", row.Kind, row.NodeID, row.Name, err)
		}

		row.Kid = sealed.Kid
		row.Nonce = sealed.Nonce
		row.Ciphertext = sealed.Ciphertext
		if err := s.repo.Upsert(ctx, row); err != nil {
			return rewrapped, fmt.Errorf("vault service: persist rekey %s/%s/%s: %w", row.Kind, row.NodeID, row.Name, err)
		}
		rewrapped++
	}
	return rewrapped, nil
}
