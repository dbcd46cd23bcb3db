package detect

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContextSignals is the persona classification for one input. It carries no
// spans; the scorer only produces signals.
type ContextSignals struct {
	// Persona is empty when no persona won.
	Persona     string
	KeywordHits []string
	RiskBoost   float64
}

// contextFile is the YAML shape of the persona keyword configuration.
type contextFile struct {
	Personas map[string]struct {
		Keywords []string `yaml:"keywords"`
	} `yaml:"personas"`
}

// ContextScorer classifies input against persona keyword lists loaded once
// at construction.
type ContextScorer struct {
	// personas holds lower-cased keywords, keyed by persona name.
	personas map[string][]string
	// names is the deterministic iteration order.
	names []string
}

// NewContextScorer loads persona keywords from a YAML file.
func NewContextScorer(path string) (*ContextScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("context scorer: read %s: %w", path, err)
	}
	return NewContextScorerFromBytes(raw)
}

// NewContextScorerFromBytes parses persona configuration from raw YAML.
func NewContextScorerFromBytes(raw []byte) (*ContextScorer, error) {
	var file contextFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("context scorer: parse personas: %w", err)
	}

	s := &ContextScorer{personas: make(map[string][]string, len(file.Personas))}
	for name, cfg := range file.Personas {
		kws := make([]string, 0, len(cfg.Keywords))
		for _, kw := range cfg.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		s.personas[name] = kws
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Score counts lower-cased keyword hits per persona. The persona with the
// strictly largest hit set wins; a tie between personas yields none. At most
// ten hits are reported.
func (s *ContextScorer) Score(text string) ContextSignals {
	lower := strings.ToLower(text)

	best := ""
	var bestHits []string
	tied := false

	for _, name := range s.names {
		var hits []string
		for _, kw := range s.personas[name] {
			if strings.Contains(lower, kw) {
				hits = append(hits, kw)
			}
		}
		switch {
		case len(hits) > len(bestHits):
			best, bestHits, tied = name, hits, false
		case len(hits) == len(bestHits) && len(hits) > 0:
			tied = true
		}
	}
	if tied || len(bestHits) == 0 {
		best = ""
	}

	boost := 0.0
	if best == "dev" {
		boost = 0.15
	} else if best == "office" {
		boost = 0.10
	}

	if len(bestHits) > 10 {
		bestHits = bestHits[:10]
	}
	return ContextSignals{Persona: best, KeywordHits: bestHits, RiskBoost: boost}
}
