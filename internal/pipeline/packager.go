package pipeline

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

// PackOptions configures one packaging run.
type PackOptions struct {
	JobID string
	RunID string

	Source Source

	PartSizeBytes    int64
	CompressionLevel int // 1-19; 0 defaults to zstd.SpeedDefault (level 3)
	Encryption       domain.EncryptionKind
	Recipient        age.Recipient // required when Encryption == domain.EncryptionAge

	NewPart     PartWriterFactory
	NewIndex    func() (io.WriteCloser, error)
	SourceKind  string

	// OnProgress, if set, is called after each file is archived.
	OnProgress func(ProgressEvent)
	// OnConsistencyIssue, if set, is called for every entry whose
	// consistency check detected a change, replace, delete, or read error.
	OnConsistencyIssue func(EntryMeta)
}

// Packager archives a Source into Bastion's on-disk backup format.
type Packager struct{}

// NewPackager returns a ready-to-use Packager. Packager is stateless; one
// instance may run concurrent Pack calls for different jobs.
func NewPackager() *Packager { return &Packager{} }

// Pack reads every entry from opts.Source exactly once, archiving it into a
// tar(PAX) stream that is zstd-compressed, optionally age-encrypted, and
// split into size-bounded parts, while building the compressed entries
// index alongside. It returns the completed Manifest; the caller is
// responsible for writing manifest.json and complete.json, in that order,
// once Pack returns successfully — Pack itself only produces parts and the
// index.
func (p *Packager) Pack(opts PackOptions) (*Manifest, error) {
	splitter := newPartSplitter(opts.NewPart, opts.PartSizeBytes)

	var partDst io.Writer = splitter
	var ageWriter io.WriteCloser
	if opts.Encryption == domain.EncryptionAge {
		if opts.Recipient == nil {
			return nil, fmt.Errorf("pipeline: age encryption requested but no recipient configured")
		}
		w, err := age.Encrypt(splitter, opts.Recipient)
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to open age writer: %w", err)
		}
		ageWriter = w
		partDst = w
	}

	level := zstd.EncoderLevelFromZstd(opts.CompressionLevel)
	if opts.CompressionLevel <= 0 {
		level = zstd.SpeedDefault
	}
	zw, err := zstd.NewWriter(partDst, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to create zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)

	idxDst, err := opts.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to open index destination: %w", err)
	}
	idx, err := newIndexWriter(idxDst)
	if err != nil {
		return nil, err
	}

	var totalFiles, totalBytes int64

	walkErr := opts.Source.Walk(func(entry SourceEntry) error {
		meta, err := p.writeEntry(tw, entry)
		if err != nil {
			return err
		}
		if err := idx.Append(meta); err != nil {
			return err
		}
		if meta.Kind == EntryFile {
			totalFiles++
			totalBytes += meta.SizeBytes
		}
		if meta.Issue != "" && opts.OnConsistencyIssue != nil {
			opts.OnConsistencyIssue(meta)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(ProgressEvent{FilesDone: totalFiles, BytesDone: totalBytes, CurrentDir: entry.ArchivePath})
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("pipeline: walking source: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pipeline: closing tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pipeline: closing zstd writer: %w", err)
	}
	if ageWriter != nil {
		if err := ageWriter.Close(); err != nil {
			return nil, fmt.Errorf("pipeline: closing age writer: %w", err)
		}
	}

	parts, err := splitter.Finish()
	if err != nil {
		return nil, err
	}

	indexHash, indexSize, err := closeIndexAndHash(idx, idxDst)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		Version:     ManifestVersion,
		JobID:       opts.JobID,
		RunID:       opts.RunID,
		CreatedAt:   time.Now().UTC(),
		SourceKind:  opts.SourceKind,
		Compression: "zstd",
		Encryption:  string(opts.Encryption),
		Parts:       parts,
		TotalFiles:  totalFiles,
		TotalBytes:  totalBytes,
		IndexHash:   indexHash,
		IndexSize:   indexSize,
	}, nil
}

// writeEntry archives one SourceEntry into the tar stream, computing its
// BLAKE3 hash and consistency fingerprint (for regular files) from the one
// read the entry requires — never a second pass over the file.
func (p *Packager) writeEntry(tw *tar.Writer, entry SourceEntry) (EntryMeta, error) {
	hdr := &tar.Header{
		Name:    entry.ArchivePath,
		ModTime: entry.ModTime,
		Mode:    int64(entry.Mode),
		Format:  tar.FormatPAX,
	}

	switch entry.Kind {
	case EntryDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		if err := tw.WriteHeader(hdr); err != nil {
			return EntryMeta{}, fmt.Errorf("pipeline: writing dir header %q: %w", entry.ArchivePath, err)
		}
		return EntryMeta{Path: entry.ArchivePath, Kind: EntryDir, ModTime: entry.ModTime, Mode: entry.Mode}, nil

	case EntrySymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = entry.LinkTarget
		if err := tw.WriteHeader(hdr); err != nil {
			return EntryMeta{}, fmt.Errorf("pipeline: writing symlink header %q: %w", entry.ArchivePath, err)
		}
		return EntryMeta{
			Path: entry.ArchivePath, Kind: EntrySymlink, ModTime: entry.ModTime,
			Mode: entry.Mode, LinkTarget: entry.LinkTarget,
		}, nil
	}

	var before fingerprint
	if entry.FilePath != "" {
		if lstatInfo, err := os.Lstat(entry.FilePath); err == nil {
			before = fingerprintOf(lstatInfo)
		}
	}

	f, err := entry.Open()
	if err != nil {
		return EntryMeta{Path: entry.ArchivePath, Kind: EntryFile, Issue: IssueReadErr}, nil
	}

	openedInfo, statErr := f.Stat()
	var opened fingerprint
	if statErr == nil {
		opened = fingerprintOf(openedInfo)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = entry.SizeBytes
	if err := tw.WriteHeader(hdr); err != nil {
		f.Close()
		return EntryMeta{}, fmt.Errorf("pipeline: writing file header %q: %w", entry.ArchivePath, err)
	}

	hasher := blake3.New(32, nil)
	tee := io.TeeReader(f, hasher)
	if _, err := io.Copy(tw, tee); err != nil {
		f.Close()
		return EntryMeta{}, fmt.Errorf("pipeline: reading %q: %w", entry.ArchivePath, err)
	}
	_ = f.Close()

	var after fingerprint
	var afterErr error
	if entry.FilePath != "" {
		var lstatInfo os.FileInfo
		lstatInfo, afterErr = os.Lstat(entry.FilePath)
		if afterErr == nil {
			after = fingerprintOf(lstatInfo)
		}
	}

	issue := classifyConsistency(before, opened, after, afterErr)

	return EntryMeta{
		Path:      entry.ArchivePath,
		Kind:      EntryFile,
		SizeBytes: entry.SizeBytes,
		ModTime:   entry.ModTime,
		Mode:      entry.Mode,
		Hash:      fmt.Sprintf("%x", hasher.Sum(nil)),
		Issue:     issue,
	}, nil
}

func closeIndexAndHash(idx *indexWriter, dst io.WriteCloser) (hash string, size int64, err error) {
	if err := idx.Close(); err != nil {
		return "", 0, fmt.Errorf("pipeline: closing index: %w", err)
	}
	hasher, ok := dst.(hashSizer)
	if !ok {
		return "", 0, nil
	}
	return hasher.Hash(), hasher.Size(), nil
}

// hashSizer is implemented by index destinations that track their own
// written-byte hash and size (see hashingWriteCloser in local_dest.go), so
// the manifest's IndexHash/IndexSize can be filled in without a second pass
// over the compressed index file.
type hashSizer interface {
	Hash() string
	Size() int64
}
