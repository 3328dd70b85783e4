// Package identity authenticates requests via a Bearer JWT and exposes
// the resulting userId/username on the request context. Grounded on the
// teacher's identity.Middleware context-key pattern (contextKey enum,
// *FromContext accessors), generalized from anonymous cookie identity to
// JWT verification per spec §6: "unauthenticated upgrades to
// /ssh|/monitor|/ai are rejected."
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	sessionIDKey
)

// DefaultSessionIDValue is used when a request carries no session header.
const DefaultSessionIDValue = "default"

// SessionHeaderName names the per-tab session identifier header.
const SessionHeaderName = "X-EasySSH-Session-ID"

// Claims is the JWT payload EasySSH expects: subject is the userId.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var (
	// ErrMissingToken is returned when no Bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// UserIDFromContext extracts the authenticated user ID from the request
// context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the authenticated username.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the per-tab session ID, defaulting when
// absent.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// Verifier validates a Bearer token and returns its claims.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for HMAC-signed tokens using secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimPrefix(auth, prefix), nil
}

// Middleware authenticates every request with a Bearer JWT, rejecting
// unauthenticated requests with 401 before the handler runs.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			ctx = context.WithValue(ctx, usernameKey, claims.Username)
			ctx = context.WithValue(ctx, sessionIDKey, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if sid := r.Header.Get(SessionHeaderName); sid != "" {
		return sid
	}
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		return sid
	}
	return DefaultSessionIDValue
}

// IPFromRequest returns a normalized remote IP for logging/rate-limit keys.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
