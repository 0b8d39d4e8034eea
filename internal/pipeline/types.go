// Package pipeline implements Bastion's backup packaging format: a
// tar(PAX) stream compressed with zstd, optionally encrypted with age, and
// split into size-bounded parts, alongside a compressed entry index, a
// manifest, and an atomic completion marker.
package pipeline

import "time"

// ManifestVersion is the current on-disk manifest schema version.
const ManifestVersion = 1

// Manifest describes one completed (or in-progress) packaging run. It is
// written after every part and the entry index and before complete.json,
// whose presence on a target is what signals that the manifest and every
// part it references are present and intact.
type Manifest struct {
	Version     int        `json:"version"`
	JobID       string     `json:"job_id"`
	RunID       string     `json:"run_id"`
	CreatedAt   time.Time  `json:"created_at"`
	SourceKind  string     `json:"source_kind"`
	Compression string     `json:"compression"`
	Encryption  string     `json:"encryption"`
	Parts       []PartInfo `json:"parts"`
	TotalFiles  int64      `json:"total_files"`
	TotalBytes  int64      `json:"total_bytes"`
	IndexHash   string     `json:"index_hash"`
	IndexSize   int64      `json:"index_size"`
}

// PartInfo describes one split part of the packaged archive stream.
type PartInfo struct {
	Index     int    `json:"index"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Hash      string `json:"hash"` // hex BLAKE3 of the part's compressed+encrypted bytes
}

// EntryKind classifies one entries.jsonl.zst row.
type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntrySymlink EntryKind = "symlink"
)

// ConsistencyIssue classifies how a source file's identity changed across
// the three-point fingerprint check. Empty string means no issue detected.
type ConsistencyIssue string

const (
	IssueChanged  ConsistencyIssue = "changed"
	IssueReplaced ConsistencyIssue = "replaced"
	IssueDeleted  ConsistencyIssue = "deleted"
	IssueReadErr  ConsistencyIssue = "read_error"
)

// EntryMeta is one row of entries.jsonl.zst: per-file metadata and the
// BLAKE3 hash computed from the single read made while writing the tar
// stream, plus the outcome of the consistency check for regular files.
type EntryMeta struct {
	Path       string           `json:"path"`
	Kind       EntryKind        `json:"kind"`
	SizeBytes  int64            `json:"size_bytes"`
	ModTime    time.Time        `json:"mod_time"`
	Mode       uint32           `json:"mode"`
	LinkTarget string           `json:"link_target,omitempty"`
	Hash       string           `json:"hash,omitempty"` // hex BLAKE3, files only
	Issue      ConsistencyIssue `json:"issue,omitempty"`
}

// ProgressEvent is emitted periodically while packaging so callers can
// forward progress into run_events without polling.
type ProgressEvent struct {
	FilesDone  int64
	BytesDone  int64
	CurrentDir string
}
