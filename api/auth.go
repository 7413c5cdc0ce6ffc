/*
auth.go - Bearer-token authentication and role checks

PURPOSE:
  Tokens are minted by the identity provider. This layer only verifies
  them and exposes the caller to handlers as a Principal.

TOKEN FORMAT:
  HS256 JWT with claims:
    sub    user id (required)
    roles  string array, e.g. ["admin"]
    exp    optional expiry, enforced when present

  Any other signing algorithm is rejected, including "none".

RESPONSES:
  401  missing, malformed, expired or badly signed token
  403  valid token without the required role

SEE ALSO:
  - server.go: which route groups require which role
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin unlocks /api/admin routes.
const RoleAdmin = "admin"

// Claims is the JWT payload the identity provider issues.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified caller.
type Principal struct {
	UserID string
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by Authenticator.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

var errNoToken = errors.New("missing bearer token")

type Authenticator struct {
	Secret []byte
	Now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret), Now: time.Now}
}

// Verify parses and checks a raw token.
func (a *Authenticator) Verify(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, errNoToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.Now),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Verify(bearer(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole must run after Authenticator.Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", errNoToken)
				return
			}
			if !p.HasRole(role) {
				writeError(w, http.StatusForbidden, "Forbidden: "+role+" role required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken signs an HS256 token. Used by the CLI for local testing and by
// tests; production tokens come from the identity provider.
func IssueToken(secret, userID string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
