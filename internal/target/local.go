package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LocalTarget stores runs under <BaseDir>/<job_id>/<run_id>/<filename>. Each
// file is written to a temp sibling then fsynced and renamed into place, the
// same crash-safe idiom the pipeline uses for manifest.json/complete.json.
type LocalTarget struct {
	BaseDir string
}

// NewLocal returns a Target rooted at baseDir.
func NewLocal(baseDir string) *LocalTarget {
	return &LocalTarget{BaseDir: baseDir}
}

func (t *LocalTarget) runDir(loc RunLocation) string {
	return filepath.Join(t.BaseDir, loc.JobID, loc.RunID)
}

// StoreRun implements Target.
func (t *LocalTarget) StoreRun(ctx context.Context, loc RunLocation, files []StagedFile, onStored func(StagedFile)) error {
	dir := t.runDir(loc)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("target: creating run dir %q: %w", dir, err)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		dest := filepath.Join(dir, f.Name)
		if fi, err := os.Stat(dest); err == nil && fi.Size() == f.Size {
			if onStored != nil {
				onStored(f)
			}
			continue
		}

		if err := t.copyFile(f.Path, dest); err != nil {
			return fmt.Errorf("target: storing %q: %w", f.Name, err)
		}
		if onStored != nil {
			onStored(f)
		}
	}
	return nil
}

func (t *LocalTarget) copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}

	success = true
	return nil
}

// DeleteRun implements Target.
func (t *LocalTarget) DeleteRun(ctx context.Context, loc RunLocation) error {
	err := os.RemoveAll(t.runDir(loc))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("target: deleting run %s/%s: %w", loc.JobID, loc.RunID, err)
	}
	return nil
}

// ListIncomplete implements Target: it walks <BaseDir>/*/* looking for run
// directories that lack complete.json and whose oldest entry predates
// olderThan.
func (t *LocalTarget) ListIncomplete(ctx context.Context, olderThan time.Time) ([]RunLocation, error) {
	jobDirs, err := os.ReadDir(t.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("target: listing %q: %w", t.BaseDir, err)
	}

	var out []RunLocation
	for _, jd := range jobDirs {
		if !jd.IsDir() {
			continue
		}
		jobID := jd.Name()
		runDirs, err := os.ReadDir(filepath.Join(t.BaseDir, jobID))
		if err != nil {
			continue
		}
		for _, rd := range runDirs {
			if !rd.IsDir() {
				continue
			}
			runID := rd.Name()
			runDir := filepath.Join(t.BaseDir, jobID, runID)

			if _, err := os.Stat(filepath.Join(runDir, completeMarkerName)); err == nil {
				continue // complete, not a cleanup candidate
			}

			oldest, ok := oldestModTime(runDir)
			if !ok || oldest.After(olderThan) {
				continue
			}
			out = append(out, RunLocation{JobID: jobID, RunID: runID})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func oldestModTime(dir string) (time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return time.Time{}, false
	}
	var oldest time.Time
	found := false
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
			found = true
		}
	}
	return oldest, found
}

// FetchRun implements Target.
func (t *LocalTarget) FetchRun(ctx context.Context, loc RunLocation, filename string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(t.runDir(loc), filename))
	if err != nil {
		return nil, fmt.Errorf("target: fetching %q: %w", filename, err)
	}
	return f, nil
}
