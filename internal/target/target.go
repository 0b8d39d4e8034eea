// Package target implements Bastion's storage backends: a common contract
// for uploading, listing, fetching, and deleting a packaged run's files,
// with local-directory and WebDAV implementations.
package target

import (
	"context"
	"io"
	"time"
)

// RunLocation identifies one run's artifact tree on a target.
type RunLocation struct {
	JobID string
	RunID string
}

// StagedFile is one file of a packaged run, already written to local disk by
// the pipeline packager, named and ordered the way it must be uploaded:
// parts in index order, then the entries index, then the manifest, then the
// completion marker last.
type StagedFile struct {
	Name string // e.g. "payload.part000001", "entries.jsonl.zst", "manifest.json", "complete.json"
	Path string // local filesystem path to read from
	Size int64
}

// Target is the storage contract every backup destination implements.
type Target interface {
	// StoreRun uploads files in the given order, skipping any file already
	// present at the destination with a matching size (resume-by-size).
	// onStored, if set, is called after each file is confirmed stored so
	// callers can delete the local staging copy as they go (rolling upload).
	// Callers MUST pass files in upload order; StoreRun does not reorder.
	StoreRun(ctx context.Context, loc RunLocation, files []StagedFile, onStored func(StagedFile)) error

	// DeleteRun removes every file belonging to loc. Missing files are not
	// an error — deletion is idempotent so the cleanup queue can retry it.
	DeleteRun(ctx context.Context, loc RunLocation) error

	// ListIncomplete returns runs under this target whose directory exists
	// but whose complete.json is absent, and whose oldest file predates
	// olderThan — candidates for the incomplete-cleanup queue.
	ListIncomplete(ctx context.Context, olderThan time.Time) ([]RunLocation, error)

	// FetchRun opens a single named file belonging to loc for restore.
	FetchRun(ctx context.Context, loc RunLocation, filename string) (io.ReadCloser, error)
}

const completeMarkerName = "complete.json"

// runPrefix is the relative directory holding one run's files, shared by
// both target implementations' layout.
func runPrefix(loc RunLocation) string {
	return loc.JobID + "/" + loc.RunID
}
