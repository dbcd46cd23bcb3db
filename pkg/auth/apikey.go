package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aegisgate/core/pkg/database"
)

// keyPrefix marks gateway-issued keys so leaked ones are greppable.
const keyPrefix = "agk_"

// APIKeyStore issues and verifies service API keys. Only a bcrypt hash is
// persisted; the plaintext is shown once at issue time.
type APIKeyStore struct {
	db      *sql.DB
	dialect database.Dialect
	cost    int
}

// NewAPIKeyStore creates the store and its schema.
func NewAPIKeyStore(db *sql.DB, dialect database.Dialect) (*APIKeyStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tenant_id TEXT,
		key_hash TEXT NOT NULL,
		label TEXT,
		created_at TEXT NOT NULL,
		revoked_at TEXT
	);
	CREATE INDEX IF NOT EXISTS ix_api_keys_user ON api_keys (user_id);`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("api keys schema: %w", err)
	}
	return &APIKeyStore{db: db, dialect: dialect, cost: bcrypt.DefaultCost}, nil
}

// Issue mints a key for userID and returns the plaintext exactly once.
func (s *APIKeyStore) Issue(ctx context.Context, userID string, tenantID *string, label string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, database.Rebind(s.dialect, `
	INSERT INTO api_keys (id, user_id, tenant_id, key_hash, label, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), userID, tenantID, string(hash), label,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	return plaintext, nil
}

// Authenticate resolves a presented key to its principal.
func (s *APIKeyStore) Authenticate(ctx context.Context, key string) (Principal, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return Principal{}, ErrUnauthenticated
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, tenant_id, key_hash FROM api_keys WHERE revoked_at IS NULL`)
	if err != nil {
		return Principal{}, fmt.Errorf("load keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			userID string
			tenant sql.NullString
			hash   string
		)
		if err := rows.Scan(&userID, &tenant, &hash); err != nil {
			return Principal{}, fmt.Errorf("scan key: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			p := Principal{UserID: userID, Roles: []string{"service"}}
			if tenant.Valid {
				p.TenantID = &tenant.String
			}
			return p, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Principal{}, err
	}
	return Principal{}, ErrUnauthenticated
}

// Revoke disables a key by id.
func (s *APIKeyStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, database.Rebind(s.dialect,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ?`),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}
