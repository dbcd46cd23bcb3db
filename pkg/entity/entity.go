// Package entity defines the located findings produced by detectors and the
// reconciliation steps (type normalization, overlap merging) that run before
// rule evaluation.
//
// Offsets are byte offsets, half-open [Start, End), into the NFC-normalized
// input text. The merger and the masker share this convention.
package entity

import "fmt"

// Canonical entity types. The set is closed for rule matching; detectors may
// emit unknown labels, which pass through normalization unchanged.
const (
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeCCCD       = "CCCD"
	TypeTaxID      = "TAX_ID"
	TypeAPISecret  = "API_SECRET"
	TypeCreditCard = "CREDIT_CARD"
	TypeSSN        = "SSN"
	TypeIP         = "IP"
	TypeURL        = "URL"
	TypeDomain     = "DOMAIN"
)

// Detector source identifiers.
const (
	SourceLocalRegex = "local_regex"
	SourceNER        = "ner"
)

// Entity is a single finding in user text. Entities are immutable after a
// detector returns them.
type Entity struct {
	Type     string            `json:"type"`
	Start    int               `json:"start"`
	End      int               `json:"end"`
	Score    float64           `json:"score"`
	Source   string            `json:"source"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the span invariant against the scanned text length.
func (e Entity) Validate(textLen int) error {
	if e.Start < 0 || e.Start >= e.End || e.End > textLen {
		return fmt.Errorf("entity %s has invalid span [%d,%d) over text of %d bytes", e.Type, e.Start, e.End, textLen)
	}
	if e.Score < 0 || e.Score > 1 {
		return fmt.Errorf("entity %s has score %f outside [0,1]", e.Type, e.Score)
	}
	return nil
}
