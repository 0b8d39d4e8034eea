package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

// FilesystemSource walks a set of root paths, applying exclude globs (match
// against the archive-relative path), a symlink policy, a hardlink policy,
// and a per-file error policy.
type FilesystemSource struct {
	Paths       []string
	Excludes    []string
	Symlinks    domain.SymlinkPolicy
	Hardlinks   domain.HardlinkPolicy
	OnFileError domain.FileErrorPolicy

	// OnSkippedError is called (if set) for a read error under the
	// skip_ok/skip_fail policies, for event logging. Under skip_ok the entry
	// is skipped and the walk goes on; under skip_fail the error is returned
	// as well, which stops the walk, so nothing after that entry is packaged.
	OnSkippedError func(path string, err error)

	seenInodes map[uint64]string // POSIX hardlink dedup: ino -> first archive path seen
}

// Walk implements Source.
func (s *FilesystemSource) Walk(yield func(SourceEntry) error) error {
	if s.seenInodes == nil {
		s.seenInodes = make(map[uint64]string)
	}

	for _, root := range s.Paths {
		root = filepath.Clean(root)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return s.handleWalkErr(path, walkErr)
			}

			// The root itself is never emitted as an entry: archive paths
			// are relative to each configured root, not to its parent, so
			// backing up /data/photos produces "vacation.jpg", not
			// "photos/vacation.jpg".
			if path == root && d.IsDir() {
				return nil
			}

			archivePath := archiveRelPath(root, path)
			if s.excluded(archivePath) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return s.handleWalkErr(path, err)
			}

			entry, skip, err := s.entryFor(path, archivePath, info)
			if err != nil {
				return s.handleWalkErr(path, err)
			}
			if skip {
				return nil
			}

			return yield(entry)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FilesystemSource) handleWalkErr(path string, err error) error {
	switch s.OnFileError {
	case domain.FileErrorFailFast, "":
		return fmt.Errorf("pipeline: reading %q: %w", path, err)
	case domain.FileErrorSkipFail:
		if s.OnSkippedError != nil {
			s.OnSkippedError(path, err)
		}
		return fmt.Errorf("pipeline: reading %q: %w", path, err)
	case domain.FileErrorSkipOK:
		if s.OnSkippedError != nil {
			s.OnSkippedError(path, err)
		}
		return nil
	default:
		return fmt.Errorf("pipeline: reading %q: %w", path, err)
	}
}

func (s *FilesystemSource) excluded(archivePath string) bool {
	for _, pat := range s.Excludes {
		if ok, _ := filepath.Match(pat, archivePath); ok {
			return true
		}
		if strings.HasPrefix(archivePath, strings.TrimSuffix(pat, "/*")+"/") {
			return true
		}
	}
	return false
}

func (s *FilesystemSource) entryFor(path, archivePath string, info os.FileInfo) (SourceEntry, bool, error) {
	mode := uint32(info.Mode().Perm())

	if info.Mode()&os.ModeSymlink != 0 {
		switch s.Symlinks {
		case domain.SymlinkSkip:
			return SourceEntry{}, true, nil
		case domain.SymlinkFollow:
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				return SourceEntry{}, false, err
			}
			followedInfo, err := os.Stat(target)
			if err != nil {
				return SourceEntry{}, false, err
			}
			return s.entryFor(target, archivePath, followedInfo)
		default: // SymlinkKeep
			target, err := os.Readlink(path)
			if err != nil {
				return SourceEntry{}, false, err
			}
			return SourceEntry{
				ArchivePath: archivePath,
				Kind:        EntrySymlink,
				ModTime:     info.ModTime(),
				Mode:        mode,
				LinkTarget:  target,
			}, false, nil
		}
	}

	if info.IsDir() {
		return SourceEntry{
			ArchivePath: archivePath,
			Kind:        EntryDir,
			ModTime:     info.ModTime(),
			Mode:        mode,
		}, false, nil
	}

	if dev, ino, ok := platformFileID(info); ok && info.Mode().IsRegular() {
		if first, seen := s.seenInodes[ino+dev<<32]; seen {
			switch s.Hardlinks {
			case domain.HardlinkKeep:
				return SourceEntry{
					ArchivePath: archivePath,
					Kind:        EntrySymlink, // recorded as a link entry pointing at the first copy
					ModTime:     info.ModTime(),
					Mode:        mode,
					LinkTarget:  first,
				}, false, nil
			default: // HardlinkCopy: fall through, archive full content again
			}
		} else {
			s.seenInodes[ino+dev<<32] = archivePath
		}
	}

	return SourceEntry{
		ArchivePath: archivePath,
		Kind:        EntryFile,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
		Mode:        mode,
		FilePath:    path,
		Open: func() (ReadStater, error) {
			return os.Open(path)
		},
	}, false, nil
}

func archiveRelPath(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
