package pipeline

import (
	"io"
	"os"
	"time"
)

// SourceEntry is one item a Source yields to the packager: either a regular
// file (Open non-nil), a directory, or a symlink (LinkTarget set).
type SourceEntry struct {
	ArchivePath string // path as it will appear inside the tar stream
	Kind        EntryKind
	SizeBytes   int64
	ModTime     time.Time
	Mode        uint32
	LinkTarget  string

	// FilePath is the real filesystem path backing this entry, used by the
	// consistency detector's before-open and after-close os.Lstat calls.
	// Empty for sources with no stable on-disk path to re-stat (Kind != EntryFile).
	FilePath string

	// Open returns a fresh read handle for a regular file. Only called for
	// Kind == EntryFile. The packager reads it exactly once.
	Open func() (ReadStater, error)
}

// ReadStater is a file handle the packager can read from and re-stat after
// reading, used by the consistency detector's open-handle fingerprint.
// *os.File satisfies this directly.
type ReadStater interface {
	io.ReadCloser
	Stat() (os.FileInfo, error)
}

// Source produces a sequence of SourceEntry values for the packager to
// archive. Walk must call yield for every entry in a stable order and stop
// (returning yield's error) if yield returns one.
type Source interface {
	Walk(yield func(SourceEntry) error) error
}
