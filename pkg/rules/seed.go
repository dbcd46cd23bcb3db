package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// seedConstraint is the bundle version range this build understands.
const seedConstraint = ">=1.0.0 <2.0.0"

// conditionsSchema structurally validates a seed conditions tree before the
// compiler sees it, so a broken bundle reports every bad rule at once instead
// of failing on the first compile.
const conditionsSchema = `{
	"$id": "aegisgate://rules/conditions.schema.json",
	"$ref": "#/$defs/node",
	"$defs": {
		"node": {
			"type": "object",
			"minProperties": 1,
			"properties": {
				"any": {"type": "array", "items": {"$ref": "#/$defs/node"}},
				"all": {"type": "array", "items": {"$ref": "#/$defs/node"}},
				"not": {"$ref": "#/$defs/node"},
				"entity_type": {"type": "string", "minLength": 1},
				"min_score": {"type": "number", "minimum": 0, "maximum": 1},
				"source": {"type": "string"},
				"signal": {
					"type": "object",
					"required": ["field"],
					"properties": {
						"field": {"type": "string", "minLength": 1},
						"equals": {},
						"in": {"type": "array"},
						"contains": {}
					}
				},
				"cel": {"type": "string", "minLength": 1}
			}
		}
	}
}`

type seedBundle struct {
	Version  string         `yaml:"version"`
	Defaults seedDefaults   `yaml:"defaults"`
	Rules    []seedRuleSpec `yaml:"rules"`
}

type seedDefaults struct {
	Scope             string `yaml:"scope"`
	Severity          string `yaml:"severity"`
	Priority          int    `yaml:"priority"`
	RagMode           string `yaml:"rag_mode"`
	Enabled           *bool  `yaml:"enabled"`
	ConditionsVersion int    `yaml:"conditions_version"`
}

type seedRuleSpec struct {
	Key               string         `yaml:"key"`
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	Scope             string         `yaml:"scope"`
	Action            string         `yaml:"action"`
	Severity          string         `yaml:"severity"`
	Priority          *int           `yaml:"priority"`
	RagMode           string         `yaml:"rag_mode"`
	Enabled           *bool          `yaml:"enabled"`
	ConditionsVersion *int           `yaml:"conditions_version"`
	Conditions        map[string]any `yaml:"conditions"`
}

// Seeder loads a YAML rule bundle and upserts its rules as global policy.
type Seeder struct {
	store    Store
	compiler *Compiler
	schema   *jsonschema.Schema
	logger   *slog.Logger

	// Invalidate, when set, runs after a successful seed so caches drop
	// stale rule sets.
	Invalidate func(ctx context.Context) error
}

// NewSeeder wires a seeder over a store and the DSL compiler.
func NewSeeder(store Store, compiler *Compiler, logger *slog.Logger) (*Seeder, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("conditions.schema.json", strings.NewReader(conditionsSchema)); err != nil {
		return nil, fmt.Errorf("seed schema: %w", err)
	}
	schema, err := c.Compile("conditions.schema.json")
	if err != nil {
		return nil, fmt.Errorf("seed schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		store:    store,
		compiler: compiler,
		schema:   schema,
		logger:   logger.With("component", "rule_seeder"),
	}, nil
}

// SeedFile reads, validates, and upserts the bundle at path. It returns the
// number of rules processed.
func (s *Seeder) SeedFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed bundle: %w", err)
	}
	return s.Seed(ctx, raw)
}

// Seed validates and upserts a YAML bundle. Every rule is checked (schema +
// compile) before anything is written, so a bad bundle changes nothing.
func (s *Seeder) Seed(ctx context.Context, raw []byte) (int, error) {
	var bundle seedBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return 0, fmt.Errorf("parse seed bundle: %w", err)
	}
	if len(bundle.Rules) == 0 {
		return 0, fmt.Errorf("seed bundle has no rules")
	}
	if err := s.checkVersion(bundle.Version); err != nil {
		return 0, err
	}

	prepared := make([]Rule, 0, len(bundle.Rules))
	for _, spec := range bundle.Rules {
		r, err := s.prepare(spec, bundle.Defaults)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, r)
	}

	for _, r := range prepared {
		if err := s.store.Upsert(ctx, r); err != nil {
			return 0, err
		}
	}
	s.logger.Info("seeded global rules", "count", len(prepared))

	if s.Invalidate != nil {
		if err := s.Invalidate(ctx); err != nil {
			s.logger.Warn("rule cache invalidation failed", "error", err)
		}
	}
	return len(prepared), nil
}

func (s *Seeder) checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("seed bundle missing version")
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("seed bundle version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(seedConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(parsed) {
		return fmt.Errorf("seed bundle version %s outside supported range %s", v, seedConstraint)
	}
	return nil
}

func (s *Seeder) prepare(spec seedRuleSpec, d seedDefaults) (Rule, error) {
	if spec.Key == "" || spec.Name == "" {
		return Rule{}, fmt.Errorf("seed rule missing key or name (key=%q)", spec.Key)
	}
	if spec.Action == "" {
		return Rule{}, fmt.Errorf("seed rule %s missing action", spec.Key)
	}
	if spec.Conditions == nil {
		return Rule{}, fmt.Errorf("seed rule %s missing conditions", spec.Key)
	}

	if err := s.schema.Validate(yamlToJSONValue(spec.Conditions)); err != nil {
		return Rule{}, fmt.Errorf("seed rule %s conditions: %w", spec.Key, err)
	}
	conditions, err := json.Marshal(spec.Conditions)
	if err != nil {
		return Rule{}, fmt.Errorf("seed rule %s conditions: %w", spec.Key, err)
	}
	if _, err := s.compiler.Compile(conditions); err != nil {
		return Rule{}, fmt.Errorf("seed rule %s: %w", spec.Key, err)
	}

	r := Rule{
		TenantID:          nil, // seeds are global
		StableKey:         spec.Key,
		Name:              spec.Name,
		Description:       spec.Description,
		Scope:             Scope(firstOf(spec.Scope, d.Scope, string(ScopeChat))),
		Conditions:        conditions,
		ConditionsVersion: firstOfInt(spec.ConditionsVersion, d.ConditionsVersion, 1),
		Action:            Action(spec.Action),
		Severity:          Severity(firstOf(spec.Severity, d.Severity, string(SeverityMedium))),
		Priority:          firstOfInt(spec.Priority, d.Priority, 0),
		RagMode:           RagMode(firstOf(spec.RagMode, d.RagMode, string(RagOff))),
		Enabled:           firstOfBool(spec.Enabled, d.Enabled, true),
	}

	// A typo'd enum would otherwise flow verbatim into resolution and land
	// as the stored final_action, so reject it here like a bad version.
	if !r.Action.Valid() {
		return Rule{}, fmt.Errorf("seed rule %s: unknown action %q", spec.Key, r.Action)
	}
	if !r.Severity.Valid() {
		return Rule{}, fmt.Errorf("seed rule %s: unknown severity %q", spec.Key, r.Severity)
	}
	if !r.Scope.Valid() {
		return Rule{}, fmt.Errorf("seed rule %s: unknown scope %q", spec.Key, r.Scope)
	}
	if !r.RagMode.Valid() {
		return Rule{}, fmt.Errorf("seed rule %s: unknown rag_mode %q", spec.Key, r.RagMode)
	}
	return r, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstOfInt(explicit *int, def, fallback int) int {
	if explicit != nil {
		return *explicit
	}
	if def != 0 {
		return def
	}
	return fallback
}

func firstOfBool(explicit, def *bool, fallback bool) bool {
	if explicit != nil {
		return *explicit
	}
	if def != nil {
		return *def
	}
	return fallback
}

// yamlToJSONValue rewrites yaml.v3's map[string]any trees into the shapes the
// jsonschema validator expects (ints become float64, nested maps normalized).
func yamlToJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = yamlToJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = yamlToJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
