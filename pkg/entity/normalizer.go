package entity

import "strings"

// canonical maps detector-specific labels onto the canonical taxonomy.
// Unknown labels pass through unchanged, which also makes normalization
// idempotent: every value in this map is a fixed point.
var canonical = map[string]string{
	// NER analyzer labels.
	"EMAIL_ADDRESS": TypeEmail,
	"PHONE_NUMBER":  TypePhone,
	"CREDIT_CARD":   TypeCreditCard,
	"US_SSN":        TypeSSN,
	"URL":           TypeURL,
	"IP_ADDRESS":    TypeIP,
	"DOMAIN_NAME":   TypeDomain,
	// Local regex labels are already canonical.
	"CCCD":       TypeCCCD,
	"PHONE":      TypePhone,
	"EMAIL":      TypeEmail,
	"TAX_ID":     TypeTaxID,
	"API_SECRET": TypeAPISecret,
}

// NormalizeType maps a raw detector label to the canonical taxonomy.
func NormalizeType(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return raw
	}
	if c, ok := canonical[key]; ok {
		return c
	}
	return key
}

// NormalizeAll rewrites entity types in place so the rule engine sees a
// single taxonomy. It returns the same slice for convenience.
func NormalizeAll(entities []Entity) []Entity {
	for i := range entities {
		entities[i].Type = NormalizeType(entities[i].Type)
	}
	return entities
}
