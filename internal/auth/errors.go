package auth

import "errors"

// Sentinel errors returned by Service. Callers should use errors.Is.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrAlreadySetUp is returned by Setup once an admin credential exists.
	ErrAlreadySetUp = errors.New("auth: admin already configured")

	// ErrNotSetUp is returned by Login before the first-boot setup flow runs.
	ErrNotSetUp = errors.New("auth: admin not configured yet")

	// ErrLocked is returned when a client key is under login-failure lockout.
	ErrLocked = errors.New("auth: too many failed attempts, try again later")

	// ErrSessionNotFound is returned when a session token does not match any
	// stored session, or no longer does after deletion.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrTokenExpired is returned when a JWT access token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a JWT cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
