package pipeline

import "os"

// fingerprint is the three-point identity snapshot compared before-open,
// from the open handle, and after-close to detect a file that changed,
// was replaced, or disappeared out from under the packager mid-read.
type fingerprint struct {
	size    int64
	modTime int64 // UnixNano
	dev     uint64
	ino     uint64
	hasID   bool // dev/ino populated (POSIX only, see platform files)
}

func fingerprintOf(fi os.FileInfo) fingerprint {
	fp := fingerprint{size: fi.Size(), modTime: fi.ModTime().UnixNano()}
	dev, ino, ok := platformFileID(fi)
	if ok {
		fp.dev, fp.ino, fp.hasID = dev, ino, true
	}
	return fp
}

// equal reports whether two fingerprints identify the same unchanged file.
// When dev/ino is unavailable (Windows), identity collapses to size+mtime
// per the documented platform limitation.
func (a fingerprint) equal(b fingerprint) bool {
	if a.size != b.size || a.modTime != b.modTime {
		return false
	}
	if a.hasID && b.hasID {
		return a.dev == b.dev && a.ino == b.ino
	}
	return true
}

// classifyConsistency compares the before/open/after fingerprints of one
// file read and returns the issue to record, or "" if nothing changed.
func classifyConsistency(before, opened, after fingerprint, afterErr error) ConsistencyIssue {
	if afterErr != nil {
		return IssueDeleted
	}
	if !before.equal(opened) {
		return IssueReplaced
	}
	if !opened.equal(after) {
		return IssueChanged
	}
	return ""
}
