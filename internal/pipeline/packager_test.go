package pipeline

import (
	"archive/tar"
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPackager_PackProducesReadableArchive(t *testing.T) {
	srcDir := t.TempDir()
	writeTestFile(t, srcDir, "a.txt", "hello world")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	writeTestFile(t, srcDir, filepath.Join("sub", "b.txt"), "nested content")

	stagingDir := t.TempDir()

	src := &FilesystemSource{
		Paths:       []string{srcDir},
		OnFileError: domain.FileErrorFailFast,
		Symlinks:    domain.SymlinkKeep,
		Hardlinks:   domain.HardlinkCopy,
	}

	pk := NewPackager()
	var consistencyIssues int
	manifest, err := pk.Pack(PackOptions{
		JobID:       "job-1",
		RunID:       "run-1",
		Source:      src,
		SourceKind:  string(domain.SourceFilesystem),
		NewPart:     NewLocalPartFactory(stagingDir),
		NewIndex:    NewLocalIndexFactory(stagingDir),
		OnConsistencyIssue: func(EntryMeta) {
			consistencyIssues++
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), manifest.TotalFiles)
	require.Greater(t, manifest.TotalBytes, int64(0))
	require.Len(t, manifest.Parts, 1)
	require.NotEmpty(t, manifest.IndexHash)
	require.Equal(t, 0, consistencyIssues)

	require.NoError(t, WriteManifest(stagingDir, manifest))
	require.NoError(t, WriteCompleteMarker(stagingDir))

	_, err = os.Stat(filepath.Join(stagingDir, "manifest.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(stagingDir, "complete.json"))
	require.NoError(t, err)

	partData, err := os.ReadFile(filepath.Join(stagingDir, manifest.Parts[0].Filename))
	require.NoError(t, err)

	zr, err := zstd.NewReader(bytes.NewReader(partData))
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	require.Contains(t, names, "a.txt")
	require.Contains(t, names, "sub/b.txt")

	var entries []EntryMeta
	idxData, err := os.ReadFile(filepath.Join(stagingDir, "entries.jsonl.zst"))
	require.NoError(t, err)
	require.NoError(t, ReadIndex(bytes.NewReader(idxData), func(m EntryMeta) error {
		entries = append(entries, m)
		return nil
	}))
	require.Len(t, entries, 3) // a.txt, sub (dir), sub/b.txt
}

func TestPackager_SplitsAcrossParts(t *testing.T) {
	srcDir := t.TempDir()
	// Random bytes do not compress, so the packaged stream stays larger than
	// several 512-byte parts.
	big := make([]byte, 5000)
	_, err := rand.Read(big)
	require.NoError(t, err)
	writeTestFile(t, srcDir, "big.bin", string(big))

	stagingDir := t.TempDir()
	src := &FilesystemSource{Paths: []string{srcDir}, OnFileError: domain.FileErrorFailFast}

	pk := NewPackager()
	manifest, err := pk.Pack(PackOptions{
		JobID:         "job-2",
		RunID:         "run-2",
		Source:        src,
		PartSizeBytes: 512,
		NewPart:       NewLocalPartFactory(stagingDir),
		NewIndex:      NewLocalIndexFactory(stagingDir),
	})
	require.NoError(t, err)
	require.Greater(t, len(manifest.Parts), 1)

	for i, part := range manifest.Parts {
		require.Equal(t, i, part.Index)
		require.Greater(t, part.SizeBytes, int64(0))
	}
}

func TestFingerprint_EqualAndChanged(t *testing.T) {
	fpA := fingerprint{size: 10, modTime: time.Now().UnixNano()}
	fpB := fpA
	require.True(t, fpA.equal(fpB))

	fpB.size = 11
	require.False(t, fpA.equal(fpB))
}
