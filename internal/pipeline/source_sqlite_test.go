package pipeline

import (
	"archive/tar"
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

func TestSQLiteSource_OnlineBackupProducesReadableSnapshot(t *testing.T) {
	dbDir := t.TempDir()
	dbPath := filepath.Join(dbDir, "app.db")

	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO widgets (name) VALUES ('sprocket')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stagingDir := t.TempDir()
	src := NewSQLiteSource(dbPath, true, t.TempDir())

	pk := NewPackager()
	manifest, err := pk.Pack(PackOptions{
		JobID: "job-sqlite", RunID: "run-sqlite",
		Source: src, SourceKind: string(domain.SourceSQLite),
		NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), manifest.TotalFiles)

	names := collectNames(t, stagingDir, manifest)
	require.Contains(t, names, "app.db")
}

func TestPackager_AgeEncryptionRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestFile(t, srcDir, "secret.txt", "classified content")

	stagingDir := t.TempDir()
	src := &FilesystemSource{Paths: []string{srcDir}, OnFileError: domain.FileErrorFailFast}

	pk := NewPackager()
	manifest, err := pk.Pack(PackOptions{
		JobID: "job-age", RunID: "run-age",
		Source: src, Encryption: domain.EncryptionAge, Recipient: identity.Recipient(),
		NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
	})
	require.NoError(t, err)
	require.Equal(t, "age", manifest.Encryption)

	raw, err := os.ReadFile(filepath.Join(stagingDir, manifest.Parts[0].Filename))
	require.NoError(t, err)

	decrypted, err := age.Decrypt(bytes.NewReader(raw), identity)
	require.NoError(t, err)

	zr, err := zstd.NewReader(decrypted)
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "secret.txt", hdr.Name)
}

func TestPackager_AgeEncryptionRequiresRecipient(t *testing.T) {
	srcDir := t.TempDir()
	writeTestFile(t, srcDir, "a.txt", "x")

	stagingDir := t.TempDir()
	src := &FilesystemSource{Paths: []string{srcDir}}

	pk := NewPackager()
	_, err := pk.Pack(PackOptions{
		JobID: "job-age-fail", RunID: "run-age-fail",
		Source: src, Encryption: domain.EncryptionAge,
		NewPart: NewLocalPartFactory(stagingDir), NewIndex: NewLocalIndexFactory(stagingDir),
	})
	require.Error(t, err)
}
