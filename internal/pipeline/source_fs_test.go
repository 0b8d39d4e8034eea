package pipeline

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

func collectNames(t *testing.T, stagingDir string, manifest *Manifest) []string {
	t.Helper()
	var names []string
	for _, part := range manifest.Parts {
		data, err := os.ReadFile(filepath.Join(stagingDir, part.Filename))
		require.NoError(t, err)
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		tr := tar.NewReader(zr)
		for {
			hdr, err := tr.Next()
			if err != nil {
				break
			}
			names = append(names, hdr.Name)
		}
		zr.Close()
	}
	return names
}

func TestFilesystemSource_ExcludesGlobMatch(t *testing.T) {
	srcDir := t.TempDir()
	writeTestFile(t, srcDir, "keep.txt", "keep")
	writeTestFile(t, srcDir, "skip.log", "skip")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "cache"), 0o755))
	writeTestFile(t, srcDir, filepath.Join("cache", "tmp.bin"), "cache data")

	stagingDir := t.TempDir()
	src := &FilesystemSource{
		Paths:       []string{srcDir},
		Excludes:    []string{"*.log", "cache/*"},
		OnFileError: domain.FileErrorFailFast,
	}

	pk := NewPackager()
	manifest, err := pk.Pack(PackOptions{
		JobID: "job-excl", RunID: "run-excl",
		Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
	})
	require.NoError(t, err)

	names := collectNames(t, stagingDir, manifest)
	require.Contains(t, names, "keep.txt")
	require.NotContains(t, names, "skip.log")
	require.NotContains(t, names, "cache/tmp.bin")
}

func TestFilesystemSource_SymlinkPolicies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevated privileges on windows")
	}

	srcDir := t.TempDir()
	target := writeTestFile(t, srcDir, "real.txt", "real content")
	require.NoError(t, os.Symlink(target, filepath.Join(srcDir, "link.txt")))

	t.Run("keep", func(t *testing.T) {
		stagingDir := t.TempDir()
		src := &FilesystemSource{Paths: []string{srcDir}, Symlinks: domain.SymlinkKeep, OnFileError: domain.FileErrorFailFast}
		pk := NewPackager()
		manifest, err := pk.Pack(PackOptions{
			JobID: "job-sym-keep", RunID: "run-sym-keep",
			Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
		})
		require.NoError(t, err)
		names := collectNames(t, stagingDir, manifest)
		require.Contains(t, names, "link.txt")
		require.Contains(t, names, "real.txt")
	})

	t.Run("skip", func(t *testing.T) {
		stagingDir := t.TempDir()
		src := &FilesystemSource{Paths: []string{srcDir}, Symlinks: domain.SymlinkSkip, OnFileError: domain.FileErrorFailFast}
		pk := NewPackager()
		manifest, err := pk.Pack(PackOptions{
			JobID: "job-sym-skip", RunID: "run-sym-skip",
			Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
		})
		require.NoError(t, err)
		names := collectNames(t, stagingDir, manifest)
		require.NotContains(t, names, "link.txt")
		require.Contains(t, names, "real.txt")
	})

	t.Run("follow", func(t *testing.T) {
		stagingDir := t.TempDir()
		src := &FilesystemSource{Paths: []string{srcDir}, Symlinks: domain.SymlinkFollow, OnFileError: domain.FileErrorFailFast}
		pk := NewPackager()
		manifest, err := pk.Pack(PackOptions{
			JobID: "job-sym-follow", RunID: "run-sym-follow",
			Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), manifest.TotalFiles) // real.txt + link.txt's followed content, both archived as regular files
	})
}

func TestFilesystemSource_HardlinkPolicies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hardlink dedup uses POSIX dev/ino, not evaluated on windows")
	}

	srcDir := t.TempDir()
	original := writeTestFile(t, srcDir, "first.txt", "shared content")
	linked := filepath.Join(srcDir, "second.txt")
	require.NoError(t, os.Link(original, linked))

	t.Run("keep", func(t *testing.T) {
		stagingDir := t.TempDir()
		src := &FilesystemSource{Paths: []string{srcDir}, Hardlinks: domain.HardlinkKeep, OnFileError: domain.FileErrorFailFast}
		pk := NewPackager()
		manifest, err := pk.Pack(PackOptions{
			JobID: "job-hl-keep", RunID: "run-hl-keep",
			Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
		})
		require.NoError(t, err)
		// second copy is recorded as a link entry, not archived content again.
		require.Equal(t, int64(1), manifest.TotalFiles)
	})

	t.Run("copy", func(t *testing.T) {
		stagingDir := t.TempDir()
		src := &FilesystemSource{Paths: []string{srcDir}, Hardlinks: domain.HardlinkCopy, OnFileError: domain.FileErrorFailFast}
		pk := NewPackager()
		manifest, err := pk.Pack(PackOptions{
			JobID: "job-hl-copy", RunID: "run-hl-copy",
			Source: src, NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), manifest.TotalFiles)
	})
}

func TestFilesystemSource_HandleWalkErrPolicies(t *testing.T) {
	readErr := os.ErrNotExist

	t.Run("fail_fast returns error", func(t *testing.T) {
		s := &FilesystemSource{OnFileError: domain.FileErrorFailFast}
		err := s.handleWalkErr("some/path", readErr)
		require.Error(t, err)
	})

	t.Run("skip_fail calls callback and returns error", func(t *testing.T) {
		var called string
		s := &FilesystemSource{
			OnFileError:    domain.FileErrorSkipFail,
			OnSkippedError: func(path string, err error) { called = path },
		}
		err := s.handleWalkErr("some/path", readErr)
		require.Error(t, err)
		require.Equal(t, "some/path", called)
	})

	t.Run("skip_ok calls callback and swallows error", func(t *testing.T) {
		var called string
		s := &FilesystemSource{
			OnFileError:    domain.FileErrorSkipOK,
			OnSkippedError: func(path string, err error) { called = path },
		}
		err := s.handleWalkErr("some/path", readErr)
		require.NoError(t, err)
		require.Equal(t, "some/path", called)
	})
}
