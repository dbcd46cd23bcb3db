// Package conversation owns the append-only message log and the atomic
// append protocol that serializes scan outcomes under concurrent writers.
package conversation

import (
	"time"

	"github.com/aegisgate/core/pkg/rules"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// InputType classifies how the content entered the system.
type InputType string

const (
	InputUser InputType = "user_input"
	InputFile InputType = "file_upload"
	InputAPI  InputType = "api"
)

// ScanStatus of a persisted message.
type ScanStatus string

const (
	ScanPending ScanStatus = "pending"
	ScanDone    ScanStatus = "done"
	ScanFailed  ScanStatus = "failed"
)

// Status of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Conversation is an ordered log of messages. TenantID nil means a personal
// conversation owned by OwnerUserID.
type Conversation struct {
	ID                 string    `json:"id"`
	OwnerUserID        string    `json:"owner_user_id"`
	TenantID           *string   `json:"tenant_id,omitempty"`
	Title              string    `json:"title,omitempty"`
	ModelName          string    `json:"model_name,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	LastSequenceNumber int64     `json:"last_sequence_number"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message is one committed row of the log. Content is nil when the final
// action was block; ContentHash always covers the original input.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	SequenceNumber int64        `json:"sequence_number"`
	InputType      InputType    `json:"input_type"`
	Content        *string      `json:"content"`
	ContentHash    string       `json:"content_hash"`
	ContentMasked  *string      `json:"content_masked,omitempty"`
	ScanStatus     ScanStatus   `json:"scan_status"`
	ScanVersion    int          `json:"scan_version"`
	PreRagAction   rules.Action `json:"pre_rag_action,omitempty"`
	FinalAction    rules.Action `json:"final_action,omitempty"`
	RiskScore      float64      `json:"risk_score"`
	Ambiguous      bool         `json:"ambiguous"`
	MatchedRuleIDs []string     `json:"matched_rule_ids,omitempty"`
	EntitiesJSON   []byte       `json:"-"`
	RagEvidence    []byte       `json:"-"`
	LatencyMS      int64        `json:"latency_ms"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Blocked reports whether the message was suppressed by policy.
func (m Message) Blocked() bool { return m.FinalAction == rules.ActionBlock }
