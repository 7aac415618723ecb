// Package auth gates the RPC surface behind an optional bearer-token
// check. When a shared secret is configured, every request must carry
// "Authorization: Bearer <JWT>" signed HS256 with that secret and not yet
// expired. When no secret is configured the middleware passes everything
// through untouched.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrMissingToken is returned when the Authorization header is absent or
// not a bearer token.
var ErrMissingToken = errors.New("no valid auth token")

// ErrInvalidToken is returned when the token fails signature or expiry
// validation.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator validates bearer tokens against a shared HMAC secret.
type Authenticator struct {
	secret []byte
}

// New creates an authenticator. An empty secret disables authentication.
func New(secret string) *Authenticator {
	if secret == "" {
		return &Authenticator{}
	}
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether requests are actually checked.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authenticate validates the request's bearer token. It is a no-op when
// no secret is configured.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return ErrMissingToken
	}

	// jwt/v5 validates exp/nbf as part of parsing.
	_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 before they reach
// the handlers. Mount it once on the router.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
