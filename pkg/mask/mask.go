// Package mask rewrites input text by substituting entity spans with
// [TYPE] tokens. Spans use the same byte-offset convention as pkg/entity.
package mask

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOverlap is returned when the entity list still contains overlapping
// spans. Merged entity lists never do; hitting this means the caller skipped
// the merger.
var ErrOverlap = errors.New("mask: overlapping entity spans")

// Span is the minimal view of an entity the masker needs.
type Span struct {
	Type  string
	Start int
	End   int
}

// Apply replaces every span with "[" + Type + "]", splicing from the end of
// the text backwards so earlier offsets stay valid.
func Apply(text string, spans []Span) (string, error) {
	if len(spans) == 0 {
		return text, nil
	}

	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	for i, s := range sorted {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			return "", fmt.Errorf("mask: span %s [%d,%d) out of range", s.Type, s.Start, s.End)
		}
		// sorted is start-descending, so the previous span must begin at or
		// after this span's end.
		if i > 0 && sorted[i-1].Start < s.End {
			return "", fmt.Errorf("%w: [%d,%d) and [%d,%d)", ErrOverlap, s.Start, s.End, sorted[i-1].Start, sorted[i-1].End)
		}
	}

	masked := text
	for _, s := range sorted {
		masked = masked[:s.Start] + "[" + s.Type + "]" + masked[s.End:]
	}
	return masked, nil
}
