// Package errkind classifies errors that cross a network, transport, or
// credential boundary so queue workers and the agent runtime can decide
// retry vs. block without parsing error strings.
package errkind

import "errors"

// Kind discriminates why an operation failed, for retry-policy selection.
type Kind string

const (
	KindNetwork Kind = "network"
	KindHTTP    Kind = "http"
	KindAuth    Kind = "auth"
	KindConfig  Kind = "config"
	KindUnknown Kind = "unknown"
)

// Error wraps an underlying error with a Kind, implementing both error and
// Unwrap so callers can still errors.Is/As through to a sentinel like
// store.ErrNotFound or vault.ErrKeyUnavailable.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Network wraps err as a network-class failure (connection refused, DNS,
// timeout) — retried with the full exponential backoff curve.
func Network(err error) error { return &Error{Kind: KindNetwork, Err: err} }

// HTTP wraps err as an HTTP-status-class failure (4xx/5xx other than auth)
// — retried with the full exponential backoff curve.
func HTTP(err error) error { return &Error{Kind: KindHTTP, Err: err} }

// Auth wraps err as a credential failure (401/403, bad agent key, vault key
// unavailable) — jumps straight to blocked rather than retrying, since
// retrying an invalid credential cannot succeed without operator action.
func Auth(err error) error { return &Error{Kind: KindAuth, Err: err} }

// Config wraps err as a misconfiguration (invalid target spec, missing
// secret_name) — jumps straight to blocked for the same reason as Auth.
func Config(err error) error { return &Error{Kind: KindConfig, Err: err} }

// Unknown wraps err with no more specific classification available; treated
// like Network for retry purposes (retry is the safer default for an
// unclassified failure).
func Unknown(err error) error { return &Error{Kind: KindUnknown, Err: err} }

// As reports the Kind of err if it (or something in its chain) is an
// *errkind.Error, and KindUnknown otherwise.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a queue worker should retry-with-backoff (true)
// or move straight to blocked (false) for the given kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindConfig:
		return false
	default:
		return true
	}
}
