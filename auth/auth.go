// Package auth authenticates relay clients before their WebSocket upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("authentication error")

	// ErrInvalidToken wraps every token verification failure.
	ErrInvalidToken = errors.New("authentication failed")
)

// Claims are the verified token claims attached to a client session.
type Claims map[string]any

// Subject returns the "sub" claim, or "" when absent.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Authenticator validates an incoming connection request.
// Return a non-nil error to reject the client.
type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(r *http.Request) (Claims, error)

// Authenticate calls f(r).
func (f AuthFunc) Authenticate(r *http.Request) (Claims, error) {
	return f(r)
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	Secret []byte
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// Authenticate extracts the token from the request and verifies it.
func (v *JWTVerifier) Authenticate(r *http.Request) (Claims, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return v.Verify(token)
}

// Verify parses and validates a raw token string.
func (v *JWTVerifier) Verify(raw string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Claims(claims), nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

type claimsKey struct{}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored on ctx, or nil.
func ClaimsFrom(ctx context.Context) Claims {
	c, _ := ctx.Value(claimsKey{}).(Claims)
	return c
}

// Middleware rejects unauthenticated requests with 401 and attaches claims
// to the request context of accepted ones. A nil Authenticator passes every
// request through.
func Middleware(a Authenticator, next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, rejection(err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func rejection(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return "Authentication error"
	}
	return fmt.Sprintf("Authentication failed: %v", err)
}
