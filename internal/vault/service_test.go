package vault

import (
	"context"
	"database/sql"
	"testing"

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

func TestService_PutGetDelete(t *testing.T) {
	db := openTestStore(t)
	repo := store.NewSecretRepository(db)
	v, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)
	svc := NewService(v, repo)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, "webdav_basic_auth", "hub", "primary", []byte(`{"user":"a","pass":"b"}`)))

	got, err := svc.Get(ctx, "webdav_basic_auth", "hub", "primary")
	require.NoError(t, err)
	require.Equal(t, `{"user":"a","pass":"b"}`, string(got))

	require.NoError(t, svc.Delete(ctx, "webdav_basic_auth", "hub", "primary"))
	_, err = svc.Get(ctx, "webdav_basic_auth", "hub", "primary")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Rekey(t *testing.T) {
	db := openTestStore(t)
	repo := store.NewSecretRepository(db)
	v, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)
	svc := NewService(v, repo)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, "smtp_password", "hub", "alerts", []byte("s3cret")))

	require.NoError(t, v.Rotate("k2", key(2)))

	n, err := svc.Rekey(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row, err := repo.Get(ctx, "smtp_password", "hub", "alerts")
	require.NoError(t, err)
	require.Equal(t, "k2", row.Kid)

	got, err := svc.Get(ctx, "smtp_password", "hub", "alerts")
	require.NoError(t, err)
	require.Equal(t, "s3cret", string(got))
}
