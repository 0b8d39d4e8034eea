package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteManifest serializes m to dir/manifest.json via the same
// write-to-temp-then-rename idiom used for completion markers and restic's
// extracted binaries: a crash mid-write leaves only a stray .tmp file, never
// a half-written manifest.json.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshaling manifest: %w", err)
	}
	return atomicWriteFile(dir, "manifest.json", data)
}

// CompleteMarker is the content of complete.json, the last file written for
// a successful run — its presence on a target is the sole signal that every
// part and the index it names are fully and correctly written.
type CompleteMarker struct {
	CompletedAt time.Time `json:"completed_at"`
}

// WriteCompleteMarker writes dir/complete.json. Callers must call this only
// after WriteManifest has returned successfully and every part has been
// confirmed on the target.
func WriteCompleteMarker(dir string) error {
	data, err := json.Marshal(CompleteMarker{CompletedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return atomicWriteFile(dir, "complete.json", data)
}

func atomicWriteFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("pipeline: creating dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("pipeline: creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("pipeline: writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pipeline: fsyncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pipeline: closing temp file for %s: %w", name, err)
	}

	destPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("pipeline: moving %s into place: %w", name, err)
	}

	success = true
	return nil
}
