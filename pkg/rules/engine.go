package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Engine interprets rule conditions against scan input. Compiled condition
// trees are cached by (rule id, conditions version) so structural validation
// happens once per rule load, not once per scan.
type Engine struct {
	compiler *Compiler
	logger   *slog.Logger

	mu       sync.RWMutex
	compiled map[string]Condition
}

// NewEngine builds an engine around a DSL compiler.
func NewEngine(compiler *Compiler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		compiler: compiler,
		logger:   logger.With("component", "rule_engine"),
		compiled: make(map[string]Condition),
	}
}

// Evaluate returns a Match for every rule whose conditions hold, preserving
// the input order (the store loads priority DESC, id ASC). A malformed rule
// aborts the whole evaluation; a CEL runtime failure only disqualifies the
// rule that raised it.
func (e *Engine) Evaluate(ctx context.Context, loaded []Rule, in Input) ([]Match, error) {
	var matches []Match
	for _, r := range loaded {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cond, err := e.condition(r)
		if err != nil {
			return nil, fmt.Errorf("rule %s (%s): %w", r.StableKey, r.ID, err)
		}

		ok, err := cond.eval(in)
		if err != nil {
			// Only cel nodes can fail at runtime; fail closed on the rule.
			e.logger.Warn("rule evaluation error, treating as no match",
				"rule", r.StableKey, "error", err)
			continue
		}
		if ok {
			matches = append(matches, Match{
				RuleID:    r.ID,
				StableKey: r.StableKey,
				Name:      r.Name,
				Action:    r.Action,
				Priority:  r.Priority,
			})
		}
	}
	return matches, nil
}

func (e *Engine) condition(r Rule) (Condition, error) {
	key := fmt.Sprintf("%s@%d", r.ID, r.ConditionsVersion)

	e.mu.RLock()
	cond, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok {
		return cond, nil
	}

	cond, err := e.compiler.Compile(r.Conditions)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[key] = cond
	e.mu.Unlock()
	return cond, nil
}
