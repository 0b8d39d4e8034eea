package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/auth"
)

// sessionCookie is the name of the httpOnly cookie carrying the opaque
// session token. The access token never goes in a cookie — it's returned in
// the JSON body and held in memory by the client, same as the session token
// is never returned in the body.
const sessionCookie = "bastion_session"

// AuthHandler serves first-boot setup, login, logout, and session renewal.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
	secure bool
}

// NewAuthHandler returns an AuthHandler. secure controls whether the session
// cookie is marked Secure; it should be true whenever the hub is served over
// HTTPS (including behind a TLS-terminating proxy) and false only for local
// plain-HTTP development.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger, secure: secure}
}

type setupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Setup creates the single admin credential. It fails with 409 once a
// credential already exists — there is no route to a second account.
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, err := h.svc.Setup(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadySetUp) {
			ErrConflict(w, "admin already configured")
			return
		}
		h.logger.Error("setup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.setSessionCookie(w, pair.SessionToken, pair.SessionExpiresAt)
	Created(w, tokenResponse{AccessToken: pair.AccessToken})
}

// Login validates username/password and issues a fresh token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, err := h.svc.Login(r.Context(), req.Username, req.Password, throttleKeyFor(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrLocked):
			ErrLocked(w, "too many failed attempts, try again later")
		case errors.Is(err, auth.ErrNotSetUp):
			ErrUnprocessable(w, "admin account is not configured yet")
		case errors.Is(err, auth.ErrInvalidCredentials):
			ErrUnauthorized(w)
		default:
			h.logger.Error("login failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.setSessionCookie(w, pair.SessionToken, pair.SessionExpiresAt)
	Ok(w, tokenResponse{AccessToken: pair.AccessToken})
}

// Renew exchanges a valid session cookie for a fresh access token without
// requiring the password again.
func (h *AuthHandler) Renew(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	pair, err := h.svc.Renew(r.Context(), cookie.Value)
	if err != nil {
		h.clearSessionCookie(w)
		ErrUnauthorized(w)
		return
	}

	Ok(w, tokenResponse{AccessToken: pair.AccessToken})
}

// Logout deletes the current session and clears its cookie. Idempotent —
// calling it twice, or with no cookie at all, is not an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := h.svc.Logout(r.Context(), cookie.Value); err != nil {
			h.logger.Error("logout failed", zap.Error(err))
		}
	}
	h.clearSessionCookie(w)
	NoContent(w)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/api/v1/auth",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/api/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// throttleKeyFor derives the login-throttle key from the client's remote
// address, stripped of its port. RealIP middleware has already rewritten
// RemoteAddr from X-Forwarded-For/X-Real-IP when the hub sits behind a proxy.
func throttleKeyFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
