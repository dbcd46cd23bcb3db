// Package auth identifies callers. Two credentials are accepted: signed JWT
// bearer tokens for interactive users and long-lived API keys for service
// integrations. Either resolves to a Principal carried on the context.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated covers every credential failure; the API layer maps it
// to 401 without detailing which check failed.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the resolved identity of a request.
type Principal struct {
	UserID   string
	TenantID *string
	Roles    []string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims are the JWT claims the gateway issues and accepts. TenantID is
// optional; a token without one acts in personal scope only.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Validator verifies bearer tokens with a shared HMAC secret.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator builds a validator. issuer is matched against the token's
// iss claim when non-empty.
func NewValidator(secret []byte, issuer string) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &Validator{secret: secret, issuer: issuer}, nil
}

// Validate parses and checks a token, returning the principal it names.
func (v *Validator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}

	p := Principal{UserID: claims.Subject, Roles: claims.Roles}
	if claims.TenantID != "" {
		tid := claims.TenantID
		p.TenantID = &tid
	}
	return p, nil
}

// Sign issues a token for the claims. Used by tests and the bootstrap CLI.
func (v *Validator) Sign(claims Claims) (string, error) {
	if v.issuer != "" && claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type principalKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the principal set by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
