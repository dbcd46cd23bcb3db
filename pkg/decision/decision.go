// Package decision turns the set of matched rules into one final action.
package decision

import (
	"github.com/aegisgate/core/pkg/rules"
)

// Result is the resolved outcome of a scan's rule matches.
type Result struct {
	FinalAction rules.Action  `json:"final_action"`
	Matched     []rules.Match `json:"matched"`
	Chosen      *rules.Match  `json:"chosen,omitempty"`
}

// Resolver selects a single action from rule matches. Block dominates mask,
// mask dominates everything else; within an action class the highest-priority
// match wins and input order breaks priority ties. Matches arrive already
// ordered priority DESC then id ASC, so picking the first of a class is both
// the dominance rule and the deterministic tie-break.
type Resolver struct{}

// NewResolver returns a stateless resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve implements the dominance order. No matches means allow with no
// chosen rule.
func (r *Resolver) Resolve(matched []rules.Match) Result {
	if len(matched) == 0 {
		return Result{FinalAction: rules.ActionAllow, Matched: nil, Chosen: nil}
	}

	if m := firstWithAction(matched, rules.ActionBlock); m != nil {
		return Result{FinalAction: rules.ActionBlock, Matched: matched, Chosen: m}
	}
	if m := firstWithAction(matched, rules.ActionMask); m != nil {
		return Result{FinalAction: rules.ActionMask, Matched: matched, Chosen: m}
	}

	chosen := matched[0]
	return Result{FinalAction: chosen.Action, Matched: matched, Chosen: &chosen}
}

func firstWithAction(matched []rules.Match, action rules.Action) *rules.Match {
	for i := range matched {
		if matched[i].Action == action {
			m := matched[i]
			return &m
		}
	}
	return nil
}
