// Package tenants provides the membership lookup the conversation paths rely
// on. A tenant is the multi-user isolation scope conversations and rules may
// belong to; a nil tenant means personal scope.
package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aegisgate/core/pkg/database"
)

// MemberStatus is the lifecycle of a tenant membership.
type MemberStatus string

const (
	StatusActive    MemberStatus = "active"
	StatusInvited   MemberStatus = "invited"
	StatusSuspended MemberStatus = "suspended"
)

// Member is one user's membership in a tenant.
type Member struct {
	TenantID  string       `json:"tenant_id"`
	UserID    string       `json:"user_id"`
	Role      string       `json:"role"`
	Status    MemberStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// MembershipChecker answers the single question the conversation protocol
// asks: does this user actively belong to this tenant right now.
type MembershipChecker interface {
	IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error)
}

// SQLStore reads memberships from the shared database.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB, dialect database.Dialect) (*SQLStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_members (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id)
	);`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("tenant members schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// IsActiveMember implements MembershipChecker.
func (s *SQLStore) IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, database.Rebind(s.dialect,
		`SELECT 1 FROM tenant_members WHERE tenant_id = ? AND user_id = ? AND status = ?`),
		tenantID, userID, string(StatusActive)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return true, nil
}

// AddMember inserts or reactivates a membership.
func (s *SQLStore) AddMember(ctx context.Context, m Member) error {
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.Role == "" {
		m.Role = "member"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, database.Rebind(s.dialect, `
	INSERT INTO tenant_members (tenant_id, user_id, role, status, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, user_id) DO UPDATE SET role = EXCLUDED.role, status = EXCLUDED.status`),
		m.TenantID, m.UserID, m.Role, string(m.Status), m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// StaticChecker is a fixed membership table for tests.
type StaticChecker map[string][]string

// IsActiveMember reports whether userID appears under tenantID.
func (c StaticChecker) IsActiveMember(_ context.Context, userID, tenantID string) (bool, error) {
	for _, u := range c[tenantID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}
