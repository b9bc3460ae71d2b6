package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Simplici0/printflow/internal/db"
	"github.com/Simplici0/printflow/internal/order"
)

const (
	sessionCookieName = "printflow_session"
	sessionTTL        = 12 * time.Hour

	signatureHeader = "X-Signature"
	deliveryHeader  = "X-Delivery-ID"
	internalHeader  = "X-Internal-Token"
)

type ctxKey int

const adminKey ctxKey = iota

type authService struct {
	users         *db.Users
	sessionSecret []byte
	now           func() time.Time
}

func newAuthService(users *db.Users, sessionSecret string) *authService {
	return &authService{users: users, sessionSecret: []byte(sessionSecret), now: time.Now}
}

// createSessionValue encodes email and expiry as payload.signature.
func (a *authService) createSessionValue(email string) string {
	expires := a.now().Add(sessionTTL).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(email + "|" + strconv.FormatInt(expires, 10)))
	return payload + "." + a.sign(payload)
}

func (a *authService) verifySessionValue(value string) (string, bool) {
	payload, signature, ok := strings.Cut(value, ".")
	if !ok || len(a.sessionSecret) == 0 {
		return "", false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return "", false
	}
	expected, _ := hex.DecodeString(a.sign(payload))
	if !hmac.Equal(provided, expected) {
		return "", false
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", false
	}
	i := strings.LastIndexByte(string(decoded), '|')
	if i <= 0 {
		return "", false
	}
	expires, err := strconv.ParseInt(string(decoded[i+1:]), 10, 64)
	if err != nil || a.now().Unix() > expires {
		return "", false
	}
	return string(decoded[:i]), true
}

func (a *authService) sign(payload string) string {
	mac := hmac.New(sha256.New, a.sessionSecret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *authService) setSessionCookie(w http.ResponseWriter, email string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    a.createSessionValue(email),
		Path:     "/",
		MaxAge:   int(sessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *authService) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionEmail returns the admin email of a valid session cookie.
func (a *authService) sessionEmail(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	return a.verifySessionValue(cookie.Value)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, errors.Wrap(order.ErrValidation, "invalid form"))
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")
	valid, err := s.auth.users.Authenticate(r.Context(), email, password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !valid {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	s.auth.setSessionCookie(w, email)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin rejects requests without a valid admin session.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, ok := s.auth.sessionEmail(r)
		if !ok {
			s.writeError(w, r, errors.Wrap(order.ErrAuthorization, "admin session required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, email)))
	})
}

func adminEmail(ctx context.Context) string {
	email, _ := ctx.Value(adminKey).(string)
	return email
}

// requireInternalToken guards endpoints called by other backend services.
func (s *server) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(internalHeader)
		if s.internalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
			s.writeError(w, r, errors.Wrap(order.ErrAuthorization, "invalid internal token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validSignature checks an X-Signature header holding hex(hmac_sha256(secret, body)).
// An optional "sha256=" prefix is accepted.
func validSignature(secret []byte, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
