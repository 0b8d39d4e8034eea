package target

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
)

// WebDAVCredentials is the JSON shape stored (encrypted) in the vault under
// a job target's secret_name, decrypted by the caller before reaching here —
// this package never decrypts secrets itself, matching the restic wrapper's
// already-decrypted Destination.Env pattern.
type WebDAVCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// WebDAVTarget stores runs on a WebDAV server under <BaseURL>/<job_id>/<run_id>/<filename>.
type WebDAVTarget struct {
	client  *gowebdav.Client
	baseURL string
}

// NewWebDAV returns a Target backed by a WebDAV server, with bounded
// concurrency enforced by the caller (this type issues requests serially per
// call) and per-method rate limiting plus Retry-After handling installed as
// the client's transport.
func NewWebDAV(baseURL string, creds WebDAVCredentials, limits MethodLimits) *WebDAVTarget {
	c := gowebdav.NewClient(baseURL, creds.Username, creds.Password)
	c.SetTransport(newRateLimitedTransport(http.DefaultTransport, limits))
	return &WebDAVTarget{client: c, baseURL: baseURL}
}

func (t *WebDAVTarget) runPath(loc RunLocation) string {
	return runPrefix(loc)
}

// StoreRun implements Target. Resume: Stat (a PROPFIND request) each expected file;
// if it exists with the same size, the PUT is skipped.
func (t *WebDAVTarget) StoreRun(ctx context.Context, loc RunLocation, files []StagedFile, onStored func(StagedFile)) error {
	dir := t.runPath(loc)
	if err := t.client.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("target: mkdir %q: %w", dir, err)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		remotePath := dir + "/" + f.Name
		if fi, err := t.client.Stat(remotePath); err == nil && fi.Size() == f.Size {
			if onStored != nil {
				onStored(f)
			}
			continue
		}

		if err := t.putFile(remotePath, f.Path); err != nil {
			return fmt.Errorf("target: storing %q: %w", f.Name, err)
		}
		if onStored != nil {
			onStored(f)
		}
	}
	return nil
}

func (t *WebDAVTarget) putFile(remotePath, localPath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	return t.client.WriteStream(remotePath, in, 0o640)
}

// DeleteRun implements Target.
func (t *WebDAVTarget) DeleteRun(ctx context.Context, loc RunLocation) error {
	err := t.client.RemoveAll(t.runPath(loc))
	if err != nil && !isNotFoundErr(err) {
		return fmt.Errorf("target: deleting run %s/%s: %w", loc.JobID, loc.RunID, err)
	}
	return nil
}

// ListIncomplete implements Target.
func (t *WebDAVTarget) ListIncomplete(ctx context.Context, olderThan time.Time) ([]RunLocation, error) {
	jobDirs, err := t.client.ReadDir("")
	if err != nil {
		if isNotFoundErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("target: listing root: %w", err)
	}

	var out []RunLocation
	for _, jd := range jobDirs {
		if !jd.IsDir() {
			continue
		}
		jobID := jd.Name()

		runDirs, err := t.client.ReadDir(jobID)
		if err != nil {
			continue
		}
		for _, rd := range runDirs {
			if !rd.IsDir() {
				continue
			}
			runID := rd.Name()
			runDir := jobID + "/" + runID

			if _, err := t.client.Stat(runDir + "/" + completeMarkerName); err == nil {
				continue
			}

			entries, err := t.client.ReadDir(runDir)
			if err != nil || len(entries) == 0 {
				continue
			}
			oldest := entries[0].ModTime()
			for _, e := range entries {
				if e.ModTime().Before(oldest) {
					oldest = e.ModTime()
				}
			}
			if oldest.After(olderThan) {
				continue
			}

			out = append(out, RunLocation{JobID: jobID, RunID: runID})
		}
	}
	return out, nil
}

// FetchRun implements Target.
func (t *WebDAVTarget) FetchRun(ctx context.Context, loc RunLocation, filename string) (io.ReadCloser, error) {
	rc, err := t.client.ReadStream(t.runPath(loc) + "/" + filename)
	if err != nil {
		return nil, fmt.Errorf("target: fetching %q: %w", filename, err)
	}
	return rc, nil
}

// isNotFoundErr reports whether err represents a WebDAV 404, handled both via
// gowebdav's StatusError and via the stdlib's fs.ErrNotExist wrapping, since
// different gowebdav code paths surface a missing-resource error differently.
func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	var se gowebdav.StatusError
	if ok := asStatusError(err, &se); ok {
		return se.Status == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "404")
}

func asStatusError(err error, target *gowebdav.StatusError) bool {
	for err != nil {
		if se, ok := err.(gowebdav.StatusError); ok {
			*target = se
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
