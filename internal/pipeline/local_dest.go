package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// hashingWriteCloser wraps an *os.File, hashing every byte written so the
// manifest's IndexHash/IndexSize can be filled in without re-reading the
// file after Close.
type hashingWriteCloser struct {
	f      *os.File
	hasher *blake3.Hasher
	size   int64
}

func (h *hashingWriteCloser) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	h.hasher.Write(p[:n])
	h.size += int64(n)
	return n, err
}

func (h *hashingWriteCloser) Close() error { return h.f.Close() }
func (h *hashingWriteCloser) Hash() string { return fmt.Sprintf("%x", h.hasher.Sum(nil)) }
func (h *hashingWriteCloser) Size() int64  { return h.size }

// NewLocalPartFactory returns a PartWriterFactory that writes each part to
// dir as "payload.partNNNNNN", for use against a local-staging directory (the
// normal case: the pipeline always stages to local disk first, even for
// remote targets, per the rolling-upload design).
func NewLocalPartFactory(dir string) PartWriterFactory {
	return func(index int) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("pipeline: creating staging dir %q: %w", dir, err)
		}
		f, err := os.Create(filepath.Join(dir, partFilename(index)))
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// NewLocalIndexFactory returns an index destination factory that writes
// entries.jsonl.zst to dir and tracks its hash/size for the manifest.
func NewLocalIndexFactory(dir string) func() (io.WriteCloser, error) {
	return func() (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("pipeline: creating staging dir %q: %w", dir, err)
		}
		f, err := os.Create(filepath.Join(dir, "entries.jsonl.zst"))
		if err != nil {
			return nil, err
		}
		return &hashingWriteCloser{f: f, hasher: blake3.New(32, nil)}, nil
	}
}
