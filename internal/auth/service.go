package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/store"
)

const (
	// sessionDuration is how long an issued session token remains valid.
	sessionDuration = 7 * 24 * time.Hour

	// sessionTokenBytes is the length of the random session token before
	// hex encoding.
	sessionTokenBytes = 32

	// argon2Time is the Argon2id iteration count.
	argon2Time = 2
	// argon2Memory is the Argon2id memory cost in KiB (64 MiB).
	argon2Memory = 64 * 1024
	// argon2Threads is the Argon2id parallelism factor.
	argon2Threads = 2
	// argon2KeyLen is the Argon2id output length in bytes.
	argon2KeyLen = 32
	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16

	// maxLoginFailures is the fail count at which a throttle key locks out.
	maxLoginFailures = 5
	// lockDuration is how long a throttle key stays locked after crossing
	// maxLoginFailures.
	lockDuration = 5 * time.Minute
	// throttleWindow bounds how long a stale, unlocked throttle row survives
	// the retention sweep.
	throttleWindow = 24 * time.Hour
)

// Service is the single entry point for authentication: first-boot setup,
// login/logout, session validation, and the retention sweep for expired
// sessions and throttle rows.
type Service struct {
	repo   store.AuthRepository
	jwtMgr *JWTManager
	clock  domain.Clock
}

// NewService returns a Service backed by repo and jwtMgr.
func NewService(repo store.AuthRepository, jwtMgr *JWTManager, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.RealClock
	}
	return &Service{repo: repo, jwtMgr: jwtMgr, clock: clock}
}

// TokenPair is returned after a successful setup, login, or session renewal.
type TokenPair struct {
	// AccessToken is a short-lived RS256 JWT returned in the response body.
	AccessToken string

	// SessionToken is a long-lived opaque token. The HTTP layer is
	// responsible for setting it as an httpOnly cookie; this struct carries
	// no cookie metadata.
	SessionToken string

	SessionExpiresAt time.Time
}

// SetupStatus reports whether the first-boot admin credential already
// exists, so GET /api/setup/status can redirect a fresh install to the
// setup form without leaking any other account detail.
func (s *Service) SetupStatus(ctx context.Context) (bool, error) {
	_, err := s.repo.GetAdminCredential(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("auth: checking setup status: %w", err)
	}
	return true, nil
}

// Setup creates the single admin credential and logs it in immediately.
// A second call always fails with ErrAlreadySetUp, regardless of the
// username/password supplied — there is no path to create a second account.
func (s *Service) Setup(ctx context.Context, username, password string) (*TokenPair, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing password: %w", err)
	}

	cred := &store.AdminCredential{Username: username, PasswordHash: hash}
	if err := s.repo.CreateAdminCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadySetUp
		}
		return nil, fmt.Errorf("auth: creating admin credential: %w", err)
	}

	return s.issueTokenPair(ctx, cred.ID.String(), cred.Username)
}

// Login validates username/password against the admin credential and issues
// a new token pair. throttleKey scopes the failure counter — callers pass
// the client's remote IP so unrelated clients don't share a lockout.
func (s *Service) Login(ctx context.Context, username, password, throttleKey string) (*TokenPair, error) {
	now := s.clock()

	throttle, err := s.repo.GetThrottle(ctx, throttleKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("auth: checking login throttle: %w", err)
	}
	if throttle != nil && throttle.LockedUntil != nil && now.Before(*throttle.LockedUntil) {
		return nil, ErrLocked
	}

	cred, err := s.repo.GetAdminCredential(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotSetUp
		}
		return nil, fmt.Errorf("auth: loading admin credential: %w", err)
	}

	// Compare the username too so the same failure path (and throttle
	// increment) covers both a wrong username and a wrong password —
	// neither should tell an attacker which one was wrong.
	if cred.Username != username || !verifyPassword(password, cred.PasswordHash) {
		if _, ferr := s.repo.RecordFailure(ctx, throttleKey, now, lockDuration, maxLoginFailures); ferr != nil {
			return nil, fmt.Errorf("auth: recording login failure: %w", ferr)
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.repo.ResetThrottle(ctx, throttleKey); err != nil {
		return nil, fmt.Errorf("auth: resetting login throttle: %w", err)
	}

	return s.issueTokenPair(ctx, cred.ID.String(), cred.Username)
}

// Renew validates a session token and issues a fresh access token without
// requiring the password again. The session itself is not rotated — it
// keeps its original expiry.
func (s *Service) Renew(ctx context.Context, sessionToken string) (*TokenPair, error) {
	sess, err := s.repo.GetSessionByTokenHash(ctx, hashToken(sessionToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("auth: loading session: %w", err)
	}
	if s.clock().After(sess.ExpiresAt) {
		return nil, ErrSessionNotFound
	}

	cred, err := s.repo.GetAdminCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: loading admin credential: %w", err)
	}

	access, err := s.jwtMgr.GenerateAccessToken(cred.ID.String(), cred.Username)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, SessionToken: sessionToken, SessionExpiresAt: sess.ExpiresAt}, nil
}

// Logout deletes the session matching rawToken. A missing session is a
// no-op — the client clears its cookie regardless.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.repo.GetSessionByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: loading session for logout: %w", err)
	}
	if err := s.repo.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("auth: deleting session: %w", err)
	}
	return nil
}

// ValidateAccessToken parses and verifies a JWT access token. Used by the
// HTTP middleware to authenticate incoming requests.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtMgr.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager, e.g. to serve the public key.
func (s *Service) JWTManager() *JWTManager {
	return s.jwtMgr
}

// Sweep deletes expired sessions and stale, unlocked throttle rows. The
// scheduler's retention pass does not call it, and nothing else in the hub
// calls it on a schedule.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	if err := s.repo.DeleteExpiredSessions(ctx, now); err != nil {
		return fmt.Errorf("auth: sweeping expired sessions: %w", err)
	}
	if err := s.repo.DeleteExpiredThrottles(ctx, now, throttleWindow); err != nil {
		return fmt.Errorf("auth: sweeping expired throttles: %w", err)
	}
	return nil
}

func (s *Service) issueTokenPair(ctx context.Context, userID, username string) (*TokenPair, error) {
	access, err := s.jwtMgr.GenerateAccessToken(userID, username)
	if err != nil {
		return nil, err
	}

	raw, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating session token: %w", err)
	}
	expiresAt := s.clock().Add(sessionDuration)

	if err := s.repo.CreateSession(ctx, &store.Session{
		TokenHash: hashToken(raw),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting session: %w", err)
	}

	return &TokenPair{AccessToken: access, SessionToken: raw, SessionExpiresAt: expiresAt}, nil
}

// hashPassword returns an Argon2id hash of password in "saltHex:hashHex"
// format.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks a plaintext password against a stored Argon2id
// hash. An invalid stored format fails closed.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))
	return constantTimeEqual(actual, expected)
}

func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// hashToken returns the SHA-256 hex digest of a raw session token. Only the
// hash is ever persisted.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
