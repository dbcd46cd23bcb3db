package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/core/pkg/database"
	"github.com/aegisgate/core/pkg/rules"
)

// ErrNotFound is the store-level miss; the appender maps it (and ownership
// failures) to the API's 404 to avoid existence leaks.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations and messages over SQLite or Postgres.
type Store struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewStore creates the store and its schema.
func NewStore(db *sql.DB, dialect database.Dialect) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		tenant_id TEXT,
		title TEXT,
		model_name TEXT,
		temperature REAL,
		last_sequence_number INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_conversations_owner ON conversations (owner_user_id, created_at);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		input_type TEXT NOT NULL DEFAULT 'user_input',
		content TEXT,
		content_hash TEXT NOT NULL,
		content_masked TEXT,
		scan_status TEXT NOT NULL DEFAULT 'pending',
		scan_version INTEGER NOT NULL DEFAULT 1,
		pre_rag_action TEXT,
		final_action TEXT,
		risk_score REAL NOT NULL DEFAULT 0,
		ambiguous BOOLEAN NOT NULL DEFAULT FALSE,
		matched_rule_ids TEXT,
		entities_json TEXT,
		rag_evidence_json TEXT,
		latency_ms INTEGER,
		created_at TEXT NOT NULL,
		UNIQUE (conversation_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS ix_messages_convo_seq ON messages (conversation_id, sequence_number);`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("conversation schema: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the handle for transaction coordination with the audit trail.
func (s *Store) DB() *sql.DB { return s.db }

// Create inserts a new conversation.
func (s *Store) Create(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, database.Rebind(s.dialect, `
	INSERT INTO conversations
		(id, owner_user_id, tenant_id, title, model_name, temperature,
		 last_sequence_number, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.OwnerUserID, c.TenantID, nullIfEmpty(c.Title), nullIfEmpty(c.ModelName),
		c.Temperature, c.LastSequenceNumber, string(c.Status),
		c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// Get reads a conversation without locking it.
func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, database.Rebind(s.dialect,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	return scanConversation(row)
}

// LockForAppend reads the conversation inside tx while holding an exclusive
// lock on it, so the sequence read-modify-write is serialized per row.
// Postgres takes a row lock; SQLite promotes the transaction to its single
// writer with a self-assignment first.
func (s *Store) LockForAppend(ctx context.Context, tx *sql.Tx, id string) (Conversation, error) {
	if s.dialect == database.DialectPostgres {
		row := tx.QueryRowContext(ctx,
			database.Rebind(s.dialect,
				`SELECT `+conversationColumns+` FROM conversations WHERE id = ? FOR UPDATE`), id)
		return scanConversation(row)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_sequence_number = last_sequence_number WHERE id = ?`, id); err != nil {
		return Conversation{}, fmt.Errorf("lock conversation: %w", err)
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// BumpSequence stages the conversation's new high-water mark inside tx.
func (s *Store) BumpSequence(ctx context.Context, tx *sql.Tx, id string, seq int64) error {
	res, err := tx.ExecContext(ctx, database.Rebind(s.dialect,
		`UPDATE conversations SET last_sequence_number = ? WHERE id = ?`), seq, id)
	if err != nil {
		return fmt.Errorf("bump sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// InsertMessage stages a message row inside tx.
func (s *Store) InsertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ScanVersion == 0 {
		m.ScanVersion = 1
	}
	matched, err := json.Marshal(m.MatchedRuleIDs)
	if err != nil {
		return fmt.Errorf("marshal matched rules: %w", err)
	}
	_, err = tx.ExecContext(ctx, database.Rebind(s.dialect, `
	INSERT INTO messages
		(id, conversation_id, role, sequence_number, input_type, content,
		 content_hash, content_masked, scan_status, scan_version, pre_rag_action,
		 final_action, risk_score, ambiguous, matched_rule_ids, entities_json,
		 rag_evidence_json, latency_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Role), m.SequenceNumber, string(m.InputType),
		m.Content, m.ContentHash, m.ContentMasked, string(m.ScanStatus), m.ScanVersion,
		nullIfEmpty(string(m.PreRagAction)), nullIfEmpty(string(m.FinalAction)),
		m.RiskScore, m.Ambiguous, string(matched), nullIfEmptyBytes(m.EntitiesJSON),
		nullIfEmptyBytes(m.RagEvidence), m.LatencyMS, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the conversation's log ordered by sequence number.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, `
	SELECT id, conversation_id, role, sequence_number, input_type, content,
	       content_hash, content_masked, scan_status, scan_version, pre_rag_action,
	       final_action, risk_score, ambiguous, matched_rule_ids, entities_json,
	       rag_evidence_json, latency_ms, created_at
	FROM messages WHERE conversation_id = ? ORDER BY sequence_number ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const conversationColumns = `id, owner_user_id, tenant_id, title, model_name,
	temperature, last_sequence_number, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c         Conversation
		tenant    sql.NullString
		title     sql.NullString
		model     sql.NullString
		temp      sql.NullFloat64
		createdAt string
	)
	err := row.Scan(&c.ID, &c.OwnerUserID, &tenant, &title, &model, &temp,
		&c.LastSequenceNumber, (*string)(&c.Status), &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	if tenant.Valid {
		c.TenantID = &tenant.String
	}
	c.Title = title.String
	c.ModelName = model.String
	if temp.Valid {
		c.Temperature = &temp.Float64
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = ts
	}
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		content   sql.NullString
		masked    sql.NullString
		preRag    sql.NullString
		final     sql.NullString
		matched   sql.NullString
		entities  sql.NullString
		evidence  sql.NullString
		latency   sql.NullInt64
		createdAt string
	)
	err := row.Scan(&m.ID, &m.ConversationID, (*string)(&m.Role), &m.SequenceNumber,
		(*string)(&m.InputType), &content, &m.ContentHash, &masked,
		(*string)(&m.ScanStatus), &m.ScanVersion, &preRag, &final, &m.RiskScore,
		&m.Ambiguous, &matched, &entities, &evidence, &latency, &createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if content.Valid {
		m.Content = &content.String
	}
	if masked.Valid {
		m.ContentMasked = &masked.String
	}
	m.PreRagAction = actionOf(preRag)
	m.FinalAction = actionOf(final)
	if matched.Valid && matched.String != "" && matched.String != "null" {
		if err := json.Unmarshal([]byte(matched.String), &m.MatchedRuleIDs); err != nil {
			return Message{}, fmt.Errorf("decode matched rules: %w", err)
		}
	}
	if entities.Valid {
		m.EntitiesJSON = []byte(entities.String)
	}
	if evidence.Valid {
		m.RagEvidence = []byte(evidence.String)
	}
	m.LatencyMS = latency.Int64
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = ts
	}
	return m, nil
}

func actionOf(v sql.NullString) rules.Action {
	if !v.Valid {
		return ""
	}
	return rules.Action(v.String)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
