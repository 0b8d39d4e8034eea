package pipeline

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSource packages a single SQLite database file via an online,
// consistent snapshot (SQLite's own "VACUUM INTO" support, which holds a
// read transaction for the duration and writes a compact, internally
// consistent copy — safe to run against a database still receiving writes)
// rather than copying the file bytes directly, which could capture a
// mid-write, torn page.
type SQLiteSource struct {
	DatabasePath   string
	IntegrityCheck bool

	stagingDir string // temp dir for the VACUUM INTO snapshot, caller-managed
}

// NewSQLiteSource returns a SQLiteSource that stages its online-backup
// snapshot under stagingDir (typically the run's temp directory, cleaned up
// by the caller once packaging completes).
func NewSQLiteSource(databasePath string, integrityCheck bool, stagingDir string) *SQLiteSource {
	return &SQLiteSource{DatabasePath: databasePath, IntegrityCheck: integrityCheck, stagingDir: stagingDir}
}

// Walk implements Source: it produces exactly one file entry, the online
// snapshot of DatabasePath.
func (s *SQLiteSource) Walk(yield func(SourceEntry) error) error {
	db, err := sql.Open("sqlite", "file:"+s.DatabasePath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("pipeline: opening %q: %w", s.DatabasePath, err)
	}
	defer db.Close()

	if s.IntegrityCheck {
		var result string
		if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
			return fmt.Errorf("pipeline: integrity check query on %q: %w", s.DatabasePath, err)
		}
		if result != "ok" {
			return fmt.Errorf("pipeline: integrity check failed on %q: %s", s.DatabasePath, result)
		}
	}

	snapshotPath := filepath.Join(s.stagingDir, filepath.Base(s.DatabasePath)+".snapshot")
	_ = os.Remove(snapshotPath)

	if _, err := db.Exec("VACUUM INTO ?", snapshotPath); err != nil {
		return fmt.Errorf("pipeline: online backup of %q: %w", s.DatabasePath, err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return fmt.Errorf("pipeline: stat snapshot %q: %w", snapshotPath, err)
	}

	entry := SourceEntry{
		ArchivePath: filepath.ToSlash(filepath.Base(s.DatabasePath)),
		Kind:        EntryFile,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
		Mode:        uint32(info.Mode().Perm()),
		FilePath:    snapshotPath,
		Open: func() (ReadStater, error) {
			return os.Open(snapshotPath)
		},
	}

	if err := yield(entry); err != nil {
		return err
	}

	return os.Remove(snapshotPath)
}
