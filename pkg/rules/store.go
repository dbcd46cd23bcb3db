package rules

import "context"

// Store loads and writes rule records. Load is read-only and uncached in the
// core contract; Cache layers on top with an invalidation hook on writes.
type Store interface {
	// Load returns every enabled rule visible to the tenant: the tenant's own
	// rules plus global ones, ordered priority DESC then id ASC so downstream
	// tie-breaking is fully deterministic. A nil tenant sees global rules only.
	Load(ctx context.Context, tenantID *string) ([]Rule, error)

	// Upsert inserts or updates a rule keyed by (tenant_id IS NULL, stable_key).
	Upsert(ctx context.Context, r Rule) error
}
