package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)

	sealed, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)
	require.Equal(t, "k1", sealed.Kid)

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plain, []byte("hunter2")))
}

func TestVault_RotateKeepsOldKeyDecryptable(t *testing.T) {
	v, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)

	sealedOld, err := v.Seal([]byte("old-secret"))
	require.NoError(t, err)

	require.NoError(t, v.Rotate("k2", key(2)))
	require.Equal(t, "k2", v.ActiveKid())

	sealedNew, err := v.Seal([]byte("new-secret"))
	require.NoError(t, err)
	require.Equal(t, "k2", sealedNew.Kid)

	plainOld, err := v.Open(sealedOld)
	require.NoError(t, err)
	require.Equal(t, "old-secret", string(plainOld))

	plainNew, err := v.Open(sealedNew)
	require.NoError(t, err)
	require.Equal(t, "new-secret", string(plainNew))
}

func TestVault_RetireMakesOldCiphertextUnavailable(t *testing.T) {
	v, err := New(map[string][]byte{"k1": key(1), "k2": key(2)}, "k2")
	require.NoError(t, err)

	sealed, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)
	s, err := sealed.Seal([]byte("retire-me"))
	require.NoError(t, err)

	require.NoError(t, v.Retire("k1"))
	_, err = v.Open(s)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestVault_RetireActiveKeyRejected(t *testing.T) {
	v, err := New(map[string][]byte{"k1": key(1)}, "k1")
	require.NoError(t, err)
	require.Error(t, v.Retire("k1"))
}

func TestKeypack_ExportImportRoundTrip(t *testing.T) {
	keys := map[string][]byte{"k1": key(1), "k2": key(2)}
	data, err := ExportKeypackFrom(keys, "k2", "correct-horse-battery-staple")
	require.NoError(t, err)

	gotKeys, activeKid, err := ImportKeypack(data, "correct-horse-battery-staple")
	require.NoError(t, err)
	require.Equal(t, "k2", activeKid)
	require.Equal(t, keys["k1"], gotKeys["k1"])
	require.Equal(t, keys["k2"], gotKeys["k2"])

	_, _, err = ImportKeypack(data, "wrong-password")
	require.Error(t, err)
}
