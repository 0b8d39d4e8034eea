package target

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRoundTripper struct {
	responses []int // status codes returned in sequence, last one repeats
	calls     int
}

func (f *fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	rec := httptest.NewRecorder()
	rec.Code = f.responses[idx]
	rec.Header().Set("Retry-After", "0")
	return rec.Result(), nil
}

func TestRateLimitedTransport_RetriesOn429ThenSucceeds(t *testing.T) {
	base := &fakeRoundTripper{responses: []int{429, 429, 200}}
	tr := newRateLimitedTransport(base, MethodLimits{})

	req := httptest.NewRequest(http.MethodPut, "http://example.invalid/x", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, base.calls)
}

func TestRateLimitedTransport_GivesUpAfterMaxRetries(t *testing.T) {
	base := &fakeRoundTripper{responses: []int{503}}
	tr := newRateLimitedTransport(base, MethodLimits{})
	tr.maxRetries = 1

	req := httptest.NewRequest(http.MethodPut, "http://example.invalid/x", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 2, base.calls) // initial attempt + one retry
}

func TestRateLimitedTransport_RateLimitsPutMethod(t *testing.T) {
	base := &fakeRoundTripper{responses: []int{200}}
	tr := newRateLimitedTransport(base, MethodLimits{PUT: RateLimit{QPS: 1000, Burst: 1}})

	req := httptest.NewRequest(http.MethodPut, "http://example.invalid/x", nil)
	start := time.Now()
	_, err := tr.RoundTrip(req)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second) // burst allows the second call without blocking long
}

func TestRetryAfterDelay(t *testing.T) {
	require.Equal(t, 5*time.Second, retryAfterDelay("5"))
	require.Equal(t, 500*time.Millisecond, retryAfterDelay(""))
	require.Equal(t, 500*time.Millisecond, retryAfterDelay("not-a-number-or-date"))
}
