package detect

import (
	"context"
	"regexp"
)

// Injection decisions.
const (
	DecisionAllow  = "ALLOW"
	DecisionReview = "REVIEW"
	DecisionBlock  = "BLOCK"
)

// InjectionResult is the signal produced by the injection scanner. It never
// carries entities; the rule engine consumes it via the security.* signals.
type InjectionResult struct {
	Decision        string
	Score           float64
	Reason          string
	PromptInjection bool
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`reveal\s+(the\s+)?system\s+prompt`),
	regexp.MustCompile(`bypass\s+(all\s+)?(policy|policies|guardrails|safety)`),
	regexp.MustCompile(`you\s+are\s+dan`),
	regexp.MustCompile(`act\s+as\s+an?\s+unrestricted`),
	regexp.MustCompile(`print\s+.*(api\s*key|secret|token|env)`),
	regexp.MustCompile(`show\s+hidden\s+(rules|policies)`),
}

// InjectionDetector scans for prompt-injection idioms. Each hit contributes
// 0.3 to the score; BLOCK at >= 0.6, REVIEW at >= 0.3.
type InjectionDetector struct{}

func NewInjectionDetector() *InjectionDetector { return &InjectionDetector{} }

func (d *InjectionDetector) Name() string { return "security_injection" }

// Scan evaluates the pattern bank against the lower-cased input.
func (d *InjectionDetector) Scan(ctx context.Context, text string) (InjectionResult, error) {
	lower := toLowerASCII(text)

	score := 0.0
	for _, p := range injectionPatterns {
		if err := ctx.Err(); err != nil {
			return InjectionResult{}, err
		}
		if p.MatchString(lower) {
			score += 0.3
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	switch {
	case score >= 0.6:
		return InjectionResult{
			Decision:        DecisionBlock,
			Score:           score,
			Reason:          "High confidence prompt injection",
			PromptInjection: true,
		}, nil
	case score >= 0.3:
		return InjectionResult{
			Decision: DecisionReview,
			Score:    score,
			Reason:   "Suspicious injection pattern",
		}, nil
	default:
		return InjectionResult{
			Decision: DecisionAllow,
			Reason:   "No injection detected",
		}, nil
	}
}

// toLowerASCII lowercases without changing byte length for the ASCII idioms
// the bank targets.
func toLowerASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
