package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters per the scrypt paper's recommendation for
// interactive password hashing as of 2017; re-derived per keypack since the
// salt is random.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// keypackFile is the on-disk/transport JSON envelope for an exported
// keyring: every key, scrypt-wrapped under an operator-supplied password.
type keypackFile struct {
	Version   int             `json:"version"`
	ActiveKid string          `json:"active_kid"`
	Salt      []byte          `json:"salt"`
	Nonce     []byte          `json:"nonce"`
	Sealed    []byte          `json:"sealed"` // JSON-encoded map[kid][]byte, AES-GCM sealed
}

type keypackPayload map[string][]byte

// ExportKeypackFrom serializes a raw keys map (the same map passed to New)
// encrypted under password. Vault does not retain raw key bytes after
// constructing its AEADs, so callers must keep the keys map available if
// keypack export is needed — typically read once at startup from the
// configured key source and held by the caller, not by Vault itself.
func ExportKeypackFrom(keys map[string][]byte, activeKid string, password string) ([]byte, error) {
	if _, ok := keys[activeKid]; !ok {
		return nil, fmt.Errorf("vault: active kid %q not present in keys", activeKid)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: scrypt derivation failed: %w", err)
	}

	plain, err := json.Marshal(keypackPayload(keys))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to marshal keys: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)

	out := keypackFile{
		Version:   1,
		ActiveKid: activeKid,
		Salt:      salt,
		Nonce:     nonce,
		Sealed:    sealed,
	}
	return json.Marshal(out)
}

// ImportKeypack decrypts a keypack produced by ExportKeypackFrom and returns
// its raw keys and active kid, for building a new Vault via New.
func ImportKeypack(data []byte, password string) (keys map[string][]byte, activeKid string, err error) {
	var kp keypackFile
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, "", fmt.Errorf("vault: failed to parse keypack: %w", err)
	}
	if kp.Version != 1 {
		return nil, "", fmt.Errorf("vault: unsupported keypack version %d", kp.Version)
	}

	derived, err := scrypt.Key([]byte(password), kp.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, "", fmt.Errorf("vault: scrypt derivation failed: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, "", fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("vault: failed to create gcm: %w", err)
	}

	plain, err := gcm.Open(nil, kp.Nonce, kp.Sealed, nil)
	if err != nil {
		return nil, "", fmt.Errorf("vault: wrong password or corrupt keypack: %w", err)
	}

	var payload keypackPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, "", fmt.Errorf("vault: failed to parse decrypted keys: %w", err)
	}

	return payload, kp.ActiveKid, nil
}
