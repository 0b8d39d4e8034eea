package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

// openTestDB opens an in-memory sqlite database and auto-migrates every
// model directly, bypassing the embedded golang-migrate files (those assume
// a file-backed database so schema_migrations persists across restarts,
// which a single in-process memory database never needs).
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(zap.NewNop(), gormlogger.Warn),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func TestJobRepository_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := &Job{Name: "nightly-etc", SpecJSON: `{"source":{"kind":"filesystem"}}`}
	require.NoError(t, repo.Create(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := repo.GetByName(ctx, "nightly-etc")
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	_, err = repo.GetByName(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepository_DuplicateNameConflict(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Job{Name: "dup"}))
	err := repo.Create(ctx, &Job{Name: "dup"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestRunRepository_AppendEventIsGapFree(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	runs := NewRunRepository(db)
	ctx := context.Background()

	job := &Job{Name: "j1"}
	require.NoError(t, jobs.Create(ctx, job))

	run := &Run{JobID: job.ID, Status: "running"}
	require.NoError(t, runs.Create(ctx, run))

	var last *RunEvent
	for i := 0; i < 5; i++ {
		ev, err := runs.AppendEvent(ctx, run.ID, "info", "progress", "tick", "", time.Now().UTC())
		require.NoError(t, err)
		if last != nil {
			require.Equal(t, last.Seq+1, ev.Seq)
		}
		last = ev
	}

	events, err := runs.ListEvents(ctx, run.ID, 0, ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestAgentRepository_LabelsAndQuery(t *testing.T) {
	db := openTestDB(t)
	repo := NewAgentRepository(db)
	ctx := context.Background()

	a1 := &Agent{Name: "agent-1"}
	a2 := &Agent{Name: "agent-2"}
	require.NoError(t, repo.Create(ctx, a1))
	require.NoError(t, repo.Create(ctx, a2))

	require.NoError(t, repo.SetLabels(ctx, a1.ID, []string{"east", "prod"}))
	require.NoError(t, repo.SetLabels(ctx, a2.ID, []string{"east"}))

	and, err := repo.ListByLabels(ctx, []string{"east", "prod"}, "and")
	require.NoError(t, err)
	require.Len(t, and, 1)
	require.Equal(t, a1.ID, and[0].ID)

	or, err := repo.ListByLabels(ctx, []string{"east", "prod"}, "or")
	require.NoError(t, err)
	require.Len(t, or, 2)
}

func TestAgentRepository_ConsumeEnrollmentTokenExhausts(t *testing.T) {
	db := openTestDB(t)
	repo := NewAgentRepository(db)
	ctx := context.Background()

	uses := 1
	tok := &EnrollmentToken{
		TokenHash:     "hash-1",
		ExpiresAt:     time.Now().Add(time.Hour),
		RemainingUses: &uses,
	}
	require.NoError(t, repo.CreateEnrollmentToken(ctx, tok))

	_, err := repo.ConsumeEnrollmentToken(ctx, "hash-1", time.Now())
	require.NoError(t, err)

	_, err = repo.ConsumeEnrollmentToken(ctx, "hash-1", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotificationRepository_ClaimDueAndRetry(t *testing.T) {
	db := openTestDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	n := &Notification{
		Channel:   "smtp",
		EventKind: "job_failed",
		Recipient: "ops@example.com",
	}
	n.Status = "queued"
	n.NextAttemptAt = now.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, n))

	claimed, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// a second claim attempt at the same instant finds nothing: the row is
	// now "running", not "queued"/"retrying".
	claimedAgain, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, claimedAgain)

	require.NoError(t, repo.MarkRetrying(ctx, n.ID, now.Add(time.Minute), "network", "dial timeout", now))
	require.NoError(t, repo.AppendEvent(ctx, n.ID, "retry scheduled", now))

	list, err := repo.List(ctx, "retrying", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].Attempts)
}

func TestSecretRepository_UpsertOverwrites(t *testing.T) {
	db := openTestDB(t)
	repo := NewSecretRepository(db)
	ctx := context.Background()

	s := &Secret{Kind: "webdav_basic_auth", NodeID: "hub", Name: "primary", Kid: "k1", Nonce: []byte("n1"), Ciphertext: []byte("c1")}
	require.NoError(t, repo.Upsert(ctx, s))

	s2 := &Secret{Kind: "webdav_basic_auth", NodeID: "hub", Name: "primary", Kid: "k2", Nonce: []byte("n2"), Ciphertext: []byte("c2")}
	require.NoError(t, repo.Upsert(ctx, s2))

	got, err := repo.Get(ctx, "webdav_basic_auth", "hub", "primary")
	require.NoError(t, err)
	require.Equal(t, "k2", got.Kid)

	all, err := repo.ListAllForRekey(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
