package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/target"
)

type noSecrets struct{}

func (noSecrets) Get(ctx context.Context, kind, nodeID, name string) ([]byte, error) {
	return nil, nil
}

func TestExecutor_RunFilesystemSourceToLocalTarget(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello world"), 0o644))

	stagingRoot := t.TempDir()
	targetDir := t.TempDir()

	exec := New(noSecrets{}, stagingRoot, target.MethodLimits{})

	spec := domain.JobSpec{
		Source: domain.SourceSpec{
			Kind:  domain.SourceFilesystem,
			Paths: []string{srcDir},
		},
		Target: domain.TargetSpec{
			Kind:    domain.TargetLocalDir,
			BaseDir: targetDir,
		},
		Pipeline: domain.PipelineSpec{
			CompressionLevel: 3,
			Encryption:       domain.EncryptionNone,
			PartSizeBytes:    1 << 20,
		},
	}

	var events []Event
	summary, err := exec.Run(context.Background(), "job-1", "run-1", "hub", spec, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.TotalFiles)
	require.Equal(t, 1, summary.Parts)
	require.Equal(t, 0, summary.ConsistencyIssue)

	runDir := filepath.Join(targetDir, "job-1", "run-1")
	require.FileExists(t, filepath.Join(runDir, "manifest.json"))
	require.FileExists(t, filepath.Join(runDir, "complete.json"))
	require.FileExists(t, filepath.Join(runDir, "entries.jsonl.zst"))
	require.FileExists(t, filepath.Join(runDir, "payload.part000001"))

	// The staging directory is cleaned up once Run returns.
	_, statErr := os.Stat(filepath.Join(stagingRoot, "job-1", "run-1"))
	require.True(t, os.IsNotExist(statErr))
}

func TestExecutor_UnknownSourceKindIsConfigError(t *testing.T) {
	exec := New(noSecrets{}, t.TempDir(), target.MethodLimits{})
	spec := domain.JobSpec{
		Source: domain.SourceSpec{Kind: "bogus"},
		Target: domain.TargetSpec{Kind: domain.TargetLocalDir, BaseDir: t.TempDir()},
	}
	_, err := exec.Run(context.Background(), "job-1", "run-1", "hub", spec, nil)
	require.Error(t, err)
	require.Equal(t, errkind.KindConfig, errkind.As(err))
}

func TestExecutor_RunWithStaticSecretsForWebDAVTarget(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hi"), 0o644))

	secrets := StaticSecrets{}
	secrets.Put(WebDAVSecretKind, "agent-1", "my-webdav", []byte(`{"username":"u","password":"p"}`))

	exec := New(secrets, t.TempDir(), target.MethodLimits{})
	spec := domain.JobSpec{
		Source: domain.SourceSpec{Kind: domain.SourceFilesystem, Paths: []string{srcDir}},
		// Port 1 is reserved and nothing listens there, so the dial fails
		// immediately (connection refused) instead of depending on DNS
		// resolution or an external host being unreachable.
		Target: domain.TargetSpec{Kind: domain.TargetWebDAV, BaseURL: "http://127.0.0.1:1/dav", SecretName: "my-webdav"},
	}

	// The WebDAV upload itself will fail (nothing listening on the port),
	// but secret resolution must succeed and reach the network call, not
	// bail out on a missing-secret config error.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := exec.Run(ctx, "job-1", "run-1", "agent-1", spec, nil)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "not provided")
}

func TestExecutor_UnknownTargetKindIsConfigError(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0o644))

	exec := New(noSecrets{}, t.TempDir(), target.MethodLimits{})
	spec := domain.JobSpec{
		Source: domain.SourceSpec{Kind: domain.SourceFilesystem, Paths: []string{srcDir}},
		Target: domain.TargetSpec{Kind: "bogus"},
	}
	_, err := exec.Run(context.Background(), "job-1", "run-1", "hub", spec, nil)
	require.Error(t, err)
	require.Equal(t, errkind.KindConfig, errkind.As(err))
}
