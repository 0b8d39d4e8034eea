package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeStagedFile(t *testing.T, dir, name, content string) StagedFile {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return StagedFile{Name: name, Path: p, Size: int64(len(content))}
}

func TestLocalTarget_StoreRunThenFetch(t *testing.T) {
	stagingDir := t.TempDir()
	part := writeStagedFile(t, stagingDir, "payload.part000001", "part bytes")
	index := writeStagedFile(t, stagingDir, "entries.jsonl.zst", "index bytes")
	manifest := writeStagedFile(t, stagingDir, "manifest.json", `{"version":1}`)
	complete := writeStagedFile(t, stagingDir, "complete.json", `{"completed_at":"now"}`)

	baseDir := t.TempDir()
	tg := NewLocal(baseDir)
	loc := RunLocation{JobID: "job-1", RunID: "run-1"}

	var stored []string
	err := tg.StoreRun(context.Background(), loc, []StagedFile{part, index, manifest, complete}, func(f StagedFile) {
		stored = append(stored, f.Name)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"payload.part000001", "entries.jsonl.zst", "manifest.json", "complete.json"}, stored)

	rc, err := tg.FetchRun(context.Background(), loc, "manifest.json")
	require.NoError(t, err)
	rc.Close()

	_, err = os.Stat(filepath.Join(baseDir, "job-1", "run-1", "complete.json"))
	require.NoError(t, err)
}

func TestLocalTarget_StoreRunResumesBySize(t *testing.T) {
	stagingDir := t.TempDir()
	part := writeStagedFile(t, stagingDir, "payload.part000001", "part bytes")

	baseDir := t.TempDir()
	tg := NewLocal(baseDir)
	loc := RunLocation{JobID: "job-1", RunID: "run-1"}

	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "job-1", "run-1"), 0o750))
	preexisting := filepath.Join(baseDir, "job-1", "run-1", "payload.part000001")
	require.NoError(t, os.WriteFile(preexisting, []byte("part bytes"), 0o644))
	before, err := os.Stat(preexisting)
	require.NoError(t, err)

	require.NoError(t, tg.StoreRun(context.Background(), loc, []StagedFile{part}, nil))

	after, err := os.Stat(preexisting)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime(), "matching-size file must not be rewritten")
}

func TestLocalTarget_ListIncompleteSkipsCompleteRuns(t *testing.T) {
	baseDir := t.TempDir()
	tg := NewLocal(baseDir)

	completeDir := filepath.Join(baseDir, "job-1", "run-complete")
	require.NoError(t, os.MkdirAll(completeDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(completeDir, "complete.json"), []byte("{}"), 0o644))

	incompleteDir := filepath.Join(baseDir, "job-1", "run-incomplete")
	require.NoError(t, os.MkdirAll(incompleteDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(incompleteDir, "payload.part000001"), []byte("x"), 0o644))

	old := time.Now().Add(time.Hour)
	out, err := tg.ListIncomplete(context.Background(), old)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "run-incomplete", out[0].RunID)
}

func TestLocalTarget_DeleteRunIsIdempotent(t *testing.T) {
	baseDir := t.TempDir()
	tg := NewLocal(baseDir)
	loc := RunLocation{JobID: "job-1", RunID: "run-1"}

	require.NoError(t, tg.DeleteRun(context.Background(), loc)) // nothing there yet

	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "job-1", "run-1"), 0o750))
	require.NoError(t, tg.DeleteRun(context.Background(), loc))
	_, err := os.Stat(filepath.Join(baseDir, "job-1", "run-1"))
	require.True(t, os.IsNotExist(err))
}
