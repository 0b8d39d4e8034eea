package target

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// MethodLimits configures a *rate.Limiter per HTTP verb the WebDAV client
// issues. A zero Limit/Burst leaves that method unlimited.
type MethodLimits struct {
	PUT   RateLimit
	HEAD  RateLimit
	MKCOL RateLimit
}

// RateLimit is a qps/burst pair for golang.org/x/time/rate.
type RateLimit struct {
	QPS   float64
	Burst int
}

func (r RateLimit) limiter() *rate.Limiter {
	if r.QPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := r.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r.QPS), burst)
}

const defaultMaxRetries = 3

// rateLimitedTransport gates outgoing WebDAV requests by method through a
// per-method rate.Limiter, and honors Retry-After on 429/503 responses up to
// a bounded number of retries rather than failing the whole upload.
type rateLimitedTransport struct {
	base        http.RoundTripper
	put, head, mkcol *rate.Limiter
	maxRetries  int
}

func newRateLimitedTransport(base http.RoundTripper, limits MethodLimits) *rateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rateLimitedTransport{
		base:       base,
		put:        limits.PUT.limiter(),
		head:       limits.HEAD.limiter(),
		mkcol:      limits.MKCOL.limiter(),
		maxRetries: defaultMaxRetries,
	}
}

func (t *rateLimitedTransport) limiterFor(method string) *rate.Limiter {
	switch method {
	case http.MethodPut:
		return t.put
	case http.MethodHead:
		return t.head
	case "MKCOL":
		return t.mkcol
	default:
		return nil
	}
}

// RoundTrip implements http.RoundTripper.
func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if l := t.limiterFor(req.Method); l != nil {
		if err := l.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
			return resp, nil
		}
		if attempt == t.maxRetries {
			return resp, nil
		}
		wait := retryAfterDelay(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	return resp, nil
}

// retryAfterDelay parses a Retry-After header (seconds or HTTP-date form),
// falling back to a short fixed backoff when absent or unparsable.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 500 * time.Millisecond
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 500 * time.Millisecond
}
