package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_NextDoublesAndCaps(t *testing.T) {
	p := Default
	d := p.Next(0)
	require.Equal(t, 1*time.Second, d)

	d = p.Next(d)
	require.Equal(t, 2*time.Second, d)

	d = p.Next(d)
	require.Equal(t, 4*time.Second, d)

	// Keep doubling well past Max; it must never exceed the cap.
	for i := 0; i < 10; i++ {
		d = p.Next(d)
		require.LessOrEqual(t, d, p.Max)
	}
	require.Equal(t, p.Max, d)
}

func TestPolicy_JitterStaysWithinFraction(t *testing.T) {
	p := Default
	base := 10 * time.Second
	lower := time.Duration(float64(base) * (1 - p.JitterFraction))
	upper := time.Duration(float64(base) * (1 + p.JitterFraction))

	for i := 0; i < 200; i++ {
		j := p.Jitter(base)
		require.GreaterOrEqual(t, j, lower)
		require.LessOrEqual(t, j, upper)
	}
}

func TestPolicy_JitterNoopWhenFractionZero(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2}
	require.Equal(t, 5*time.Second, p.Jitter(5*time.Second))
}

func TestPolicy_NextJittered(t *testing.T) {
	p := Default
	d := p.NextJittered(0)
	// current <= 0 always returns Initial unjittered by Next, then jittered.
	lower := time.Duration(float64(p.Initial) * (1 - p.JitterFraction))
	upper := time.Duration(float64(p.Initial) * (1 + p.JitterFraction))
	require.GreaterOrEqual(t, d, lower)
	require.LessOrEqual(t, d, upper)
}
