package entity

import "sort"

// MergeConfig tunes cross-detector deduplication.
type MergeConfig struct {
	// OverlapThreshold is the minimum inter/min(lenA,lenB) ratio at which two
	// same-typed spans are considered duplicates.
	OverlapThreshold float64
	// PreferSourceOrder breaks exact score ties; earlier wins.
	PreferSourceOrder []string
}

// DefaultMergeConfig prefers the deterministic local detector over NER.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		OverlapThreshold:  0.80,
		PreferSourceOrder: []string{SourceLocalRegex, SourceNER},
	}
}

// Merger deduplicates overlapping entities emitted by multiple detectors.
type Merger struct {
	cfg        MergeConfig
	sourceRank map[string]int
}

// NewMerger builds a merger from config.
func NewMerger(cfg MergeConfig) *Merger {
	rank := make(map[string]int, len(cfg.PreferSourceOrder))
	for i, s := range cfg.PreferSourceOrder {
		rank[s] = i
	}
	return &Merger{cfg: cfg, sourceRank: rank}
}

// Merge sorts candidates by (start asc, end desc, score desc) and keeps the
// best entity of each same-typed overlapping cluster. The sort makes the
// result independent of detector scheduling order. Candidates covering the
// exact same span also collapse across types (a bare 10-digit number reads
// as both PHONE and TAX_ID); the masker requires disjoint spans.
func (m *Merger) Merge(entities []Entity) []Entity {
	if len(entities) == 0 {
		return nil
	}

	items := make([]Entity, len(entities))
	copy(items, entities)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Start != items[j].Start {
			return items[i].Start < items[j].Start
		}
		if items[i].End != items[j].End {
			return items[i].End > items[j].End
		}
		return items[i].Score > items[j].Score
	})

	merged := items[:1]
	for _, e := range items[1:] {
		last := merged[len(merged)-1]

		sameType := e.Type != "" && e.Type == last.Type
		sameSpan := e.Start == last.Start && e.End == last.End
		if (sameType || sameSpan) && overlapRatio(e, last) >= m.cfg.OverlapThreshold {
			switch {
			case e.Score > last.Score:
				merged[len(merged)-1] = e
			case e.Score == last.Score:
				merged[len(merged)-1] = m.prefer(e, last)
			}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

// overlapRatio is intersection over the shorter span.
func overlapRatio(a, b Entity) float64 {
	inter := min(a.End, b.End) - max(a.Start, b.Start)
	if inter <= 0 {
		return 0
	}
	lenA := max(1, a.End-a.Start)
	lenB := max(1, b.End-b.Start)
	return float64(inter) / float64(min(lenA, lenB))
}

func (m *Merger) prefer(a, b Entity) Entity {
	ra, ok := m.sourceRank[a.Source]
	if !ok {
		ra = len(m.sourceRank) + 1
	}
	rb, ok := m.sourceRank[b.Source]
	if !ok {
		rb = len(m.sourceRank) + 1
	}
	if ra < rb {
		return a
	}
	return b
}
