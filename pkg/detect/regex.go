package detect

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/aegisgate/core/pkg/entity"
)

// Compiled once at startup and shared; the detector itself is stateless.
var (
	emailPattern = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	// No leading \b: it would never hold before the literal +.
	phonePattern = regexp.MustCompile(`(?:\+84|\b0)(?:[\s.\-]?\d){9,10}\b`)
	cccdPattern  = regexp.MustCompile(`\b\d{12}\b`)
	taxIDPattern = regexp.MustCompile(`\b\d{10}(?:-\d{3})?\b`)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	}

	nonDigit = regexp.MustCompile(`[^\d]`)
)

// Type-specific context keywords. A keyword near a match raises its score.
var (
	cccdContext  = []string{"cccd", "căn cước", "cmnd"}
	taxContext   = []string{"mst", "mã số thuế", "tax code"}
	phoneContext = []string{"sđt", "số điện thoại", "hotline", "liên hệ", "số"}
)

// RegexDetector is the deterministic pattern detector for locale-specific
// entities and credential shapes.
type RegexDetector struct{}

// NewRegexDetector returns the shared-pattern detector.
func NewRegexDetector() *RegexDetector { return &RegexDetector{} }

func (d *RegexDetector) Name() string { return "local_regex" }

// Detect runs the pattern bank in fixed order, leftmost-first per pattern.
// No deduplication happens here; the merger owns that.
func (d *RegexDetector) Detect(ctx context.Context, text string) ([]entity.Entity, error) {
	var out []entity.Entity
	lower := strings.ToLower(text)

	for _, m := range emailPattern.FindAllStringIndex(text, -1) {
		frag := text[m[0]:m[1]]
		out = append(out, entity.Entity{
			Type:     entity.TypeEmail,
			Start:    m[0],
			End:      m[1],
			Score:    0.95,
			Source:   entity.SourceLocalRegex,
			Text:     frag,
			Metadata: map[string]string{"normalized": strings.ToLower(frag)},
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, m := range phonePattern.FindAllStringIndex(text, -1) {
		frag := text[m[0]:m[1]]
		level := contextLevel(lower, m[0], phoneContext)
		out = append(out, entity.Entity{
			Type:   entity.TypePhone,
			Start:  m[0],
			End:    m[1],
			Score:  leveledScore(level, 0.90, 0.80, 0.70),
			Source: entity.SourceLocalRegex,
			Text:   frag,
			Metadata: map[string]string{
				"normalized":    normalizePhone(frag),
				"context_level": strconv.Itoa(level),
			},
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, m := range cccdPattern.FindAllStringIndex(text, -1) {
		frag := text[m[0]:m[1]]
		level := contextLevel(lower, m[0], cccdContext)
		out = append(out, entity.Entity{
			Type:     entity.TypeCCCD,
			Start:    m[0],
			End:      m[1],
			Score:    leveledScore(level, 0.95, 0.85, 0.65),
			Source:   entity.SourceLocalRegex,
			Text:     frag,
			Metadata: map[string]string{"context_level": strconv.Itoa(level)},
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, m := range taxIDPattern.FindAllStringIndex(text, -1) {
		frag := text[m[0]:m[1]]
		level := contextLevel(lower, m[0], taxContext)
		out = append(out, entity.Entity{
			Type:   entity.TypeTaxID,
			Start:  m[0],
			End:    m[1],
			Score:  leveledScore(level, 0.90, 0.80, 0.65),
			Source: entity.SourceLocalRegex,
			Text:   frag,
			Metadata: map[string]string{
				"normalized":    strings.ReplaceAll(frag, "-", ""),
				"context_level": strconv.Itoa(level),
			},
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, p := range secretPatterns {
		for _, m := range p.FindAllStringIndex(text, -1) {
			out = append(out, entity.Entity{
				Type:   entity.TypeAPISecret,
				Start:  m[0],
				End:    m[1],
				Score:  0.98,
				Source: entity.SourceLocalRegex,
				Text:   text[m[0]:m[1]],
			})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// leveledScore picks a score floor by context proximity:
// level 2 = keyword within ±20 bytes, 1 = within ±60, 0 = no context.
func leveledScore(level int, near, mid, far float64) float64 {
	switch level {
	case 2:
		return near
	case 1:
		return mid
	default:
		return far
	}
}

func contextLevel(lower string, pos int, keywords []string) int {
	for _, wl := range []struct {
		window int
		level  int
	}{{20, 2}, {60, 1}} {
		start := max(0, pos-wl.window)
		end := min(len(lower), pos+wl.window)
		snippet := lower[start:end]
		for _, k := range keywords {
			if strings.Contains(snippet, k) {
				return wl.level
			}
		}
	}
	return 0
}

// normalizePhone strips separators and rewrites the +84 country prefix to the
// local 0 prefix.
func normalizePhone(raw string) string {
	digits := nonDigit.ReplaceAllString(raw, "")
	if strings.HasPrefix(digits, "84") {
		digits = "0" + digits[2:]
	}
	return digits
}
