// Package rules holds the policy records, the JSON condition DSL with its
// compiled intermediate form, the evaluation engine, and the rule stores.
package rules

import (
	"encoding/json"
	"time"
)

// Action is what a matched rule asks the gateway to do.
type Action string

const (
	ActionAllow Action = "allow"
	ActionMask  Action = "mask"
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionMask, ActionBlock, ActionWarn:
		return true
	}
	return false
}

// Scope restricts where a rule applies.
type Scope string

const (
	ScopePrompt Scope = "prompt"
	ScopeChat   Scope = "chat"
	ScopeFile   Scope = "file"
	ScopeAPI    Scope = "api"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopePrompt, ScopeChat, ScopeFile, ScopeAPI:
		return true
	}
	return false
}

// Severity grades a rule for reporting; it does not affect resolution.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// RagMode is reserved for the retrieval-augmented verification stage.
type RagMode string

const (
	RagOff     RagMode = "off"
	RagExplain RagMode = "explain"
	RagVerify  RagMode = "verify"
)

// Valid reports whether m is a known rag mode.
func (m RagMode) Valid() bool {
	switch m {
	case RagOff, RagExplain, RagVerify:
		return true
	}
	return false
}

// Rule is a policy record. TenantID nil means the rule is global.
// (TenantID, StableKey) is unique; the stored conditions tree is compiled
// into a typed IR on first evaluation and cached by (ID, ConditionsVersion).
type Rule struct {
	ID                string          `json:"id"`
	TenantID          *string         `json:"tenant_id,omitempty"`
	StableKey         string          `json:"stable_key"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Scope             Scope           `json:"scope"`
	Conditions        json.RawMessage `json:"conditions"`
	ConditionsVersion int             `json:"conditions_version"`
	Action            Action          `json:"action"`
	Severity          Severity        `json:"severity"`
	Priority          int             `json:"priority"`
	RagMode           RagMode         `json:"rag_mode"`
	Enabled           bool            `json:"enabled"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Match records one rule whose conditions held for a scan.
type Match struct {
	RuleID    string `json:"rule_id"`
	StableKey string `json:"stable_key"`
	Name      string `json:"name"`
	Action    Action `json:"action"`
	Priority  int    `json:"priority"`
}
