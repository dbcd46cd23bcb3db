// Package audit keeps the hash-chained trail of scan outcomes. Every resolved
// scan appends one entry; failed scans are recorded here because the message
// row they belonged to is rolled back.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/aegisgate/core/pkg/database"
)

// Entry kinds.
const (
	KindScanResolved = "scan_resolved"
	KindScanFailed   = "scan_failed"
	KindRuleSeeded   = "rule_seeded"
)

// chainLockID is the advisory lock key serializing chain-head reads on
// Postgres. Row locks alone don't help: two appends to different
// conversations would read the same head under READ COMMITTED and fork the
// chain. SQLite is already serial through its single pooled connection.
const chainLockID int64 = 0x61756474726c

// Entry is one audit record. Hash covers the canonical JSON form of the
// entry without Seq/Hash, concatenated with the previous entry's hash.
type Entry struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	TenantID       *string   `json:"tenant_id,omitempty"`
	Action         string    `json:"action,omitempty"`
	RiskScore      float64   `json:"risk_score"`
	MatchedKeys    []string  `json:"matched_keys,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	Seq      int64  `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Trail is the SQL-backed chain. Entries appended inside the caller's
// transaction commit atomically with the message row.
type Trail struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewTrail creates the trail and its schema.
func NewTrail(db *sql.DB, dialect database.Dialect) (*Trail, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_trail (
		seq INTEGER PRIMARY KEY ` + autoincrement(dialect) + `,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		conversation_id TEXT,
		message_id TEXT,
		tenant_id TEXT,
		action TEXT,
		risk_score REAL NOT NULL DEFAULT 0,
		matched_keys TEXT,
		content_hash TEXT,
		detail TEXT,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if dialect == database.DialectPostgres {
		schema = strings.Replace(schema,
			"seq INTEGER PRIMARY KEY "+autoincrement(dialect), "seq BIGSERIAL PRIMARY KEY", 1)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Trail{db: db, dialect: dialect}, nil
}

func autoincrement(d database.Dialect) string {
	if d == database.DialectSQLite {
		return "AUTOINCREMENT"
	}
	return ""
}

// Record appends an entry in its own transaction.
func (t *Trail) Record(ctx context.Context, e Entry) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit begin: %w", err)
	}
	if err := t.RecordTx(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordTx appends an entry inside the caller's transaction, chaining it to
// the latest committed-or-staged hash. The chain head is held exclusively
// until the transaction ends, so concurrent writers queue instead of forking.
func (t *Trail) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if t.dialect == database.DialectPostgres {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock($1)`, chainLockID); err != nil {
			return fmt.Errorf("audit chain lock: %w", err)
		}
	}

	prev := ""
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_trail ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("audit chain head: %w", err)
	}
	e.PrevHash = prev

	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash

	keys, err := json.Marshal(e.MatchedKeys)
	if err != nil {
		return fmt.Errorf("audit matched keys: %w", err)
	}
	_, err = tx.ExecContext(ctx, database.Rebind(t.dialect, `
	INSERT INTO audit_trail
		(id, kind, conversation_id, message_id, tenant_id, action, risk_score,
		 matched_keys, content_hash, detail, prev_hash, hash, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Kind, e.ConversationID, e.MessageID, e.TenantID, e.Action, e.RiskScore,
		string(keys), e.ContentHash, e.Detail, e.PrevHash, e.Hash,
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// entryHash hashes the canonical JSON of the entry body plus the previous
// hash. JCS canonicalization keeps the digest stable across field order.
func entryHash(e Entry) (string, error) {
	body := e
	body.Seq = 0
	body.Hash = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("audit entry marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit entry canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// List returns entries in chain order, newest last, bounded by limit
// (0 = all).
func (t *Trail) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
	SELECT seq, id, kind, conversation_id, message_id, tenant_id, action,
	       risk_score, matched_keys, content_hash, detail, prev_hash, hash, created_at
	FROM audit_trail ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			convo     sql.NullString
			msg       sql.NullString
			tenant    sql.NullString
			action    sql.NullString
			keys      sql.NullString
			content   sql.NullString
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Kind, &convo, &msg, &tenant, &action,
			&e.RiskScore, &keys, &content, &detail, &e.PrevHash, &e.Hash, &createdAt); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		e.ConversationID = convo.String
		e.MessageID = msg.String
		if tenant.Valid {
			e.TenantID = &tenant.String
		}
		e.Action = action.String
		e.ContentHash = content.String
		e.Detail = detail.String
		if keys.Valid && keys.String != "" && keys.String != "null" {
			if err := json.Unmarshal([]byte(keys.String), &e.MatchedKeys); err != nil {
				return nil, fmt.Errorf("audit matched keys decode: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify walks the whole chain and recomputes every link.
func (t *Trail) Verify(ctx context.Context) error {
	entries, err := t.List(ctx, 0)
	if err != nil {
		return err
	}
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d: prev hash mismatch", e.Seq)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("audit chain broken at seq %d: entry hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
