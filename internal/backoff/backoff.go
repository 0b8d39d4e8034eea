// Package backoff computes exponential retry delays with jitter, shared by
// the agent runtime's reconnect loop and the queue workers' retry policy.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is an exponential-backoff schedule. The zero value is not usable;
// construct one with New or use a package-level default such as Default.
type Policy struct {
	Initial        time.Duration
	Max            time.Duration
	Factor         float64
	JitterFraction float64
}

// Default mirrors the agent runtime's reconnect backoff: 1s initial, 60s
// cap, doubling, up to ±20% jitter.
var Default = Policy{
	Initial:        1 * time.Second,
	Max:            60 * time.Second,
	Factor:         2.0,
	JitterFraction: 0.2,
}

// Next returns the un-jittered delay that follows current. Passing the
// zero duration returns Initial, so callers can seed a retry loop with the
// zero value and call Next repeatedly.
func (p Policy) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return p.Initial
	}
	next := time.Duration(float64(current) * p.Factor)
	if next > p.Max {
		return p.Max
	}
	return next
}

// Jitter adds a random ±JitterFraction perturbation to d, to avoid
// thundering herd when many callers back off on the same schedule.
func (p Policy) Jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	delta := float64(d) * p.JitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// NextJittered is Next followed by Jitter, the form most callers want: feed
// back the returned value as current on the following attempt.
func (p Policy) NextJittered(current time.Duration) time.Duration {
	return p.Jitter(p.Next(current))
}
