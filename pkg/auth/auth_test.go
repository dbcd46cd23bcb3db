package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aegisgate/core/pkg/database"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator([]byte("test-secret-please-rotate"), "aegisgate")
	require.NoError(t, err)
	return v
}

func TestTokenRoundTrip(t *testing.T) {
	v := newValidator(t)

	token, err := v.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
		Roles:    []string{"admin"},
	})
	require.NoError(t, err)

	p, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	require.NotNil(t, p.TenantID)
	assert.Equal(t, "acme", *p.TenantID)
	assert.True(t, p.HasRole("admin"))
	assert.False(t, p.HasRole("viewer"))
}

func TestTokenWithoutTenantIsPersonalScope(t *testing.T) {
	v := newValidator(t)
	token, err := v.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)

	p, err := v.Validate(token)
	require.NoError(t, err)
	assert.Nil(t, p.TenantID)
}

func TestExpiredTokenRejected(t *testing.T) {
	v := newValidator(t)
	token, err := v.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMissingSubjectRejected(t *testing.T) {
	v := newValidator(t)
	token, err := v.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestWrongIssuerRejected(t *testing.T) {
	other, err := NewValidator([]byte("test-secret-please-rotate"), "someone-else")
	require.NoError(t, err)
	token, err := other.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)

	_, err = newValidator(t).Validate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestGarbageTokenRejected(t *testing.T) {
	_, err := newValidator(t).Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: "alice"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", p.UserID)

	_, ok = PrincipalFrom(context.Background())
	assert.False(t, ok)
}

func TestAPIKeyIssueAndAuthenticate(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewAPIKeyStore(db, database.DialectSQLite)
	require.NoError(t, err)
	ctx := context.Background()

	tenant := "acme"
	key, err := store.Issue(ctx, "svc-ingest", &tenant, "ingest worker")
	require.NoError(t, err)
	assert.Contains(t, key, keyPrefix)

	p, err := store.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "svc-ingest", p.UserID)
	require.NotNil(t, p.TenantID)
	assert.Equal(t, "acme", *p.TenantID)

	_, err = store.Authenticate(ctx, keyPrefix+"deadbeef")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = store.Authenticate(ctx, "wrong-prefix")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
