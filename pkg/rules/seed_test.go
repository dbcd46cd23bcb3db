package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	rules map[string]Rule
	loads int
}

func newMemStore() *memStore {
	return &memStore{rules: make(map[string]Rule)}
}

func (m *memStore) Load(ctx context.Context, tenantID *string) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	var out []Rule
	for _, r := range m.rules {
		if r.TenantID == nil || (tenantID != nil && *r.TenantID == *tenantID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Upsert(ctx context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if r.TenantID != nil {
		key = *r.TenantID
	}
	m.rules[key+"/"+r.StableKey] = r
	return nil
}

const goodBundle = `
version: "1.2.0"
defaults:
  scope: chat
  severity: medium
  priority: 10
  rag_mode: "off"
  enabled: true
  conditions_version: 1
rules:
  - key: block-cccd
    name: Block national IDs
    action: block
    priority: 100
    severity: high
    conditions:
      any:
        - entity_type: CCCD
          min_score: 0.8
  - key: mask-contact
    name: Mask contact details
    action: mask
    conditions:
      any:
        - entity_type: EMAIL
        - entity_type: PHONE
`

func newTestSeeder(t *testing.T, store Store) *Seeder {
	t.Helper()
	s, err := NewSeeder(store, mustCompiler(t), nil)
	require.NoError(t, err)
	return s
}

func TestSeedUpsertsGlobalRulesWithDefaults(t *testing.T) {
	store := newMemStore()
	seeder := newTestSeeder(t, store)

	n, err := seeder.Seed(context.Background(), []byte(goodBundle))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	block := store.rules["/block-cccd"]
	assert.Nil(t, block.TenantID)
	assert.Equal(t, ActionBlock, block.Action)
	assert.Equal(t, 100, block.Priority)
	assert.Equal(t, SeverityHigh, block.Severity)

	mask := store.rules["/mask-contact"]
	assert.Equal(t, 10, mask.Priority, "defaults fill unset fields")
	assert.Equal(t, SeverityMedium, mask.Severity)
	assert.Equal(t, ScopeChat, mask.Scope)
	assert.True(t, mask.Enabled)
}

func TestSeedRejectsUnsupportedVersion(t *testing.T) {
	seeder := newTestSeeder(t, newMemStore())

	for _, v := range []string{"", "2.0.0", "0.9.0", "not-semver"} {
		bundle := "version: \"" + v + "\"\nrules:\n  - key: k\n    name: n\n    action: block\n    conditions:\n      all: []\n"
		if v == "" {
			bundle = "rules:\n  - key: k\n    name: n\n    action: block\n    conditions:\n      all: []\n"
		}
		_, err := seeder.Seed(context.Background(), []byte(bundle))
		require.Error(t, err, "version %q must be rejected", v)
	}
}

func TestSeedRejectsBadConditionsBeforeAnyWrite(t *testing.T) {
	store := newMemStore()
	seeder := newTestSeeder(t, store)

	bundle := `
version: "1.0.0"
rules:
  - key: fine
    name: Fine
    action: allow
    conditions:
      all: []
  - key: broken
    name: Broken
    action: block
    conditions:
      signal:
        field: x
        gt: 1
`
	_, err := seeder.Seed(context.Background(), []byte(bundle))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, store.rules, "a bad bundle must not write anything")
}

func TestSeedRejectsOutOfEnumValues(t *testing.T) {
	store := newMemStore()
	seeder := newTestSeeder(t, store)

	for field, value := range map[string]string{
		"action":   "blokc",
		"severity": "critical",
		"scope":    "everywhere",
		"rag_mode": "sometimes",
	} {
		spec := map[string]string{"action": "block", field: value}
		bundle := "version: \"1.0.0\"\nrules:\n  - key: k\n    name: n\n"
		for k, v := range spec {
			bundle += "    " + k + ": " + v + "\n"
		}
		bundle += "    conditions:\n      all: []\n"
		_, err := seeder.Seed(context.Background(), []byte(bundle))
		require.Error(t, err, "field %s=%q must be rejected", field, value)
		assert.Contains(t, err.Error(), value)
		assert.Empty(t, store.rules)
	}
}

func TestSeedRunsInvalidationHook(t *testing.T) {
	seeder := newTestSeeder(t, newMemStore())

	invalidated := false
	seeder.Invalidate = func(ctx context.Context) error {
		invalidated = true
		return nil
	}

	_, err := seeder.Seed(context.Background(), []byte(goodBundle))
	require.NoError(t, err)
	assert.True(t, invalidated)
}
