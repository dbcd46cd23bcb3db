package detect

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegisgate/core/pkg/entity"
)

// Finding is one raw hit from an external NER analyzer, before filtering and
// taxonomy normalization.
type Finding struct {
	EntityType string
	Start      int
	End        int
	Score      float64
}

// Analyzer is the external NER/PII collaborator. The production
// implementation wraps a model server; tests use StaticAnalyzer.
type Analyzer interface {
	Analyze(ctx context.Context, text string, language string) ([]Finding, error)
}

// NerConfig tunes the filtering applied to analyzer output.
type NerConfig struct {
	Language string
	// DropTypes are noisy labels removed entirely.
	DropTypes []string
	// MinScore drops low-confidence findings.
	MinScore float64
}

// DefaultNerConfig drops the labels that habitually shadow other entities.
func DefaultNerConfig() NerConfig {
	return NerConfig{
		Language:  "en",
		DropTypes: []string{"DATE_TIME", "URL"},
		MinScore:  0.5,
	}
}

// NerDetector adapts an external analyzer into the entity pipeline.
type NerDetector struct {
	analyzer Analyzer
	language string
	drop     map[string]bool
	minScore float64
}

// NewNerDetector wraps the analyzer with filtering per cfg.
func NewNerDetector(analyzer Analyzer, cfg NerConfig) *NerDetector {
	drop := make(map[string]bool, len(cfg.DropTypes))
	for _, t := range cfg.DropTypes {
		drop[t] = true
	}
	return &NerDetector{
		analyzer: analyzer,
		language: cfg.Language,
		drop:     drop,
		minScore: cfg.MinScore,
	}
}

func (d *NerDetector) Name() string { return "ner" }

// Detect calls the analyzer, filters noise, and emits canonical-typed
// entities with the raw label preserved in metadata.
func (d *NerDetector) Detect(ctx context.Context, text string) ([]entity.Entity, error) {
	findings, err := d.analyzer.Analyze(ctx, text, d.language)
	if err != nil {
		return nil, fmt.Errorf("ner analyze: %w", err)
	}

	var out []entity.Entity
	for _, f := range findings {
		if d.drop[f.EntityType] || f.Score < d.minScore {
			continue
		}
		if f.Start < 0 || f.End > len(text) || f.Start >= f.End {
			continue
		}
		out = append(out, entity.Entity{
			Type:     entity.NormalizeType(f.EntityType),
			Start:    f.Start,
			End:      f.End,
			Score:    f.Score,
			Source:   entity.SourceNER,
			Text:     text[f.Start:f.End],
			Metadata: map[string]string{"raw_type": f.EntityType},
		})
	}
	return out, nil
}

// StaticAnalyzer is a deterministic Analyzer for tests and air-gapped
// deployments: it reports occurrences of configured literals under a fixed
// label and score.
type StaticAnalyzer struct {
	Rules []StaticRule
}

// StaticRule labels every occurrence of Literal.
type StaticRule struct {
	Literal    string
	EntityType string
	Score      float64
}

// LoadStaticAnalyzer reads a YAML file of literal rules:
//
//	rules:
//	  - literal: "Nguyen Van A"
//	    entity_type: PERSON
//	    score: 0.85
//
// Deployments without a model server point NER_RULES_PATH at such a file to
// get deterministic recognition of known names and identifiers.
func LoadStaticAnalyzer(path string) (*StaticAnalyzer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ner rules: %w", err)
	}
	var doc struct {
		Rules []struct {
			Literal    string  `yaml:"literal"`
			EntityType string  `yaml:"entity_type"`
			Score      float64 `yaml:"score"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse ner rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("ner rules file %s has no rules", path)
	}
	a := &StaticAnalyzer{}
	for i, r := range doc.Rules {
		if r.Literal == "" || r.EntityType == "" {
			return nil, fmt.Errorf("ner rule %d needs literal and entity_type", i)
		}
		score := r.Score
		if score == 0 {
			score = 0.85
		}
		a.Rules = append(a.Rules, StaticRule{
			Literal:    r.Literal,
			EntityType: r.EntityType,
			Score:      score,
		})
	}
	return a, nil
}

func (a *StaticAnalyzer) Analyze(_ context.Context, text string, _ string) ([]Finding, error) {
	var out []Finding
	for _, r := range a.Rules {
		for from := 0; ; {
			i := strings.Index(text[from:], r.Literal)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, Finding{
				EntityType: r.EntityType,
				Start:      start,
				End:        start + len(r.Literal),
				Score:      r.Score,
			})
			from = start + len(r.Literal)
		}
	}
	return out, nil
}
