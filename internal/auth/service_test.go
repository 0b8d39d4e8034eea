package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Syt100/bastion-sub003/internal/store"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *gorm.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))
	return db
}

func newTestService(t *testing.T) (*Service, func() time.Time) {
	t.Helper()
	db := openTestStore(t)
	repo := store.NewAuthRepository(db)
	jwtMgr, err := NewJWTManagerGenerated("bastion-test")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return NewService(repo, jwtMgr, clock), func() time.Time { return now }
}

func TestService_SetupThenLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	configured, err := svc.SetupStatus(ctx)
	require.NoError(t, err)
	require.False(t, configured)

	pair, err := svc.Setup(ctx, "admin", "correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.SessionToken)

	configured, err = svc.SetupStatus(ctx)
	require.NoError(t, err)
	require.True(t, configured)

	_, err = svc.Setup(ctx, "admin", "anything")
	require.ErrorIs(t, err, ErrAlreadySetUp)

	pair2, err := svc.Login(ctx, "admin", "correct horse battery staple", "1.2.3.4")
	require.NoError(t, err)
	require.NotEmpty(t, pair2.AccessToken)

	claims, err := svc.ValidateAccessToken(pair2.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
}

func TestService_LoginBeforeSetup(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Login(context.Background(), "admin", "whatever", "1.2.3.4")
	require.ErrorIs(t, err, ErrNotSetUp)
}

func TestService_LoginWrongPasswordThrottles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Setup(ctx, "admin", "s3cr3t-password")
	require.NoError(t, err)

	for i := 0; i < maxLoginFailures; i++ {
		_, err := svc.Login(ctx, "admin", "wrong", "9.9.9.9")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err = svc.Login(ctx, "admin", "s3cr3t-password", "9.9.9.9")
	require.ErrorIs(t, err, ErrLocked)

	// A different client key is unaffected by another key's lockout.
	_, err = svc.Login(ctx, "admin", "s3cr3t-password", "8.8.8.8")
	require.NoError(t, err)
}

func TestService_LogoutInvalidatesSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pair, err := svc.Setup(ctx, "admin", "password123")
	require.NoError(t, err)

	_, err = svc.Renew(ctx, pair.SessionToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.SessionToken))

	_, err = svc.Renew(ctx, pair.SessionToken)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Logging out an already-gone session is a no-op, not an error.
	require.NoError(t, svc.Logout(ctx, pair.SessionToken))
}

func TestService_SweepRemovesExpiredSessions(t *testing.T) {
	db := openTestStore(t)
	repo := store.NewAuthRepository(db)
	jwtMgr, err := NewJWTManagerGenerated("bastion-test")
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := start
	svc := NewService(repo, jwtMgr, func() time.Time { return tick })

	ctx := context.Background()
	pair, err := svc.Setup(ctx, "admin", "password123")
	require.NoError(t, err)

	tick = start.Add(sessionDuration + time.Hour)
	require.NoError(t, svc.Sweep(ctx, tick))

	_, err = svc.Renew(ctx, pair.SessionToken)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
