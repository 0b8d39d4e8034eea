package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAs_ClassifiesWrappedErrors(t *testing.T) {
	sentinel := errors.New("connection refused")
	require.Equal(t, KindNetwork, As(Network(sentinel)))
	require.Equal(t, KindAuth, As(Auth(sentinel)))
	require.Equal(t, KindUnknown, As(sentinel))
}

func TestAs_UnwrapsToSentinel(t *testing.T) {
	sentinel := errors.New("not found")
	wrapped := Config(sentinel)
	require.True(t, errors.Is(wrapped, sentinel))
}

func TestKind_Retryable(t *testing.T) {
	require.True(t, KindNetwork.Retryable())
	require.True(t, KindHTTP.Retryable())
	require.True(t, KindUnknown.Retryable())
	require.False(t, KindAuth.Retryable())
	require.False(t, KindConfig.Retryable())
}
