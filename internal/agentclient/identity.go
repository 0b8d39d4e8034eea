package agentclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// identity is persisted to <state-dir>/agent-identity.json after a
// successful enrollment exchange, so the agent presents the same id and key
// on every subsequent connection instead of re-enrolling.
type identity struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"agent_key"`
}

func identityFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-identity.json")
}

// loadIdentity reads the persisted identity. A missing file is not an
// error — it returns a zero identity, signaling the caller to enroll.
func loadIdentity(stateDir string) (identity, error) {
	data, err := os.ReadFile(identityFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return identity{}, nil
		}
		return identity{}, fmt.Errorf("agentclient: reading identity file: %w", err)
	}
	var id identity
	if err := json.Unmarshal(data, &id); err != nil {
		return identity{}, fmt.Errorf("agentclient: corrupted identity file: %w", err)
	}
	return id, nil
}

// saveIdentity writes id to disk atomically via temp file + rename.
func saveIdentity(stateDir string, id identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("agentclient: marshaling identity: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("agentclient: creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-identity.*.tmp")
	if err != nil {
		return fmt.Errorf("agentclient: creating temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agentclient: writing identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentclient: closing temp identity file: %w", err)
	}
	if err := os.Rename(tmpPath, identityFilePath(stateDir)); err != nil {
		return fmt.Errorf("agentclient: renaming identity file: %w", err)
	}
	ok = true
	return nil
}
