package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/core/pkg/database"
)

// SQLStore persists rules in SQLite (modernc) or Postgres (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB, dialect database.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("rules schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		stable_key TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		scope TEXT NOT NULL,
		conditions TEXT NOT NULL,
		conditions_version INTEGER NOT NULL DEFAULT 1,
		action TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		priority INTEGER NOT NULL DEFAULT 0,
		rag_mode TEXT NOT NULL DEFAULT 'off',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_rules_tenant_key
		ON rules (COALESCE(tenant_id, ''), stable_key);
	CREATE INDEX IF NOT EXISTS ix_rules_enabled_priority
		ON rules (enabled, priority);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLStore) rebind(query string) string {
	return database.Rebind(s.dialect, query)
}

const ruleColumns = `id, tenant_id, stable_key, name, description, scope,
	conditions, conditions_version, action, severity, priority, rag_mode,
	enabled, created_at`

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, tenantID *string) ([]Rule, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT `+ruleColumns+` FROM rules
			 WHERE enabled = TRUE AND tenant_id IS NULL
			 ORDER BY priority DESC, id ASC`))
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT `+ruleColumns+` FROM rules
			 WHERE enabled = TRUE AND (tenant_id = ? OR tenant_id IS NULL)
			 ORDER BY priority DESC, id ASC`), *tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert implements Store. The conflict target is the unique
// (COALESCE(tenant_id,''), stable_key) index.
func (s *SQLStore) Upsert(ctx context.Context, r Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if !json.Valid(r.Conditions) {
		return fmt.Errorf("rule %s: conditions is not valid JSON", r.StableKey)
	}

	query := s.rebind(`
	INSERT INTO rules (` + ruleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (COALESCE(tenant_id, ''), stable_key) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		scope = EXCLUDED.scope,
		conditions = EXCLUDED.conditions,
		conditions_version = EXCLUDED.conditions_version,
		action = EXCLUDED.action,
		severity = EXCLUDED.severity,
		priority = EXCLUDED.priority,
		rag_mode = EXCLUDED.rag_mode,
		enabled = EXCLUDED.enabled`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.StableKey, r.Name, nullable(r.Description), string(r.Scope),
		string(r.Conditions), r.ConditionsVersion, string(r.Action), string(r.Severity),
		r.Priority, string(r.RagMode), r.Enabled, r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.StableKey, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		r           Rule
		tenantID    sql.NullString
		description sql.NullString
		conditions  string
		createdAt   string
	)
	err := row.Scan(&r.ID, &tenantID, &r.StableKey, &r.Name, &description,
		(*string)(&r.Scope), &conditions, &r.ConditionsVersion,
		(*string)(&r.Action), (*string)(&r.Severity), &r.Priority,
		(*string)(&r.RagMode), &r.Enabled, &createdAt)
	if err != nil {
		return Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	if tenantID.Valid {
		r.TenantID = &tenantID.String
	}
	r.Description = description.String
	r.Conditions = json.RawMessage(conditions)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}
