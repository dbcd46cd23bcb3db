package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/aegisgate/core/pkg/entity"
	"github.com/aegisgate/core/pkg/signal"
)

// ErrMalformed marks a conditions tree that does not conform to the DSL.
// It is fatal to the scan that encountered the rule.
var ErrMalformed = errors.New("rule conditions malformed")

// Input is what a condition tree is evaluated against.
type Input struct {
	Entities []entity.Entity
	Signals  signal.Value
}

// Condition is the compiled form of a DSL tree. Compilation validates the
// structure once so evaluation never re-checks shapes per scan.
type Condition interface {
	eval(in Input) (bool, error)
}

type anyNode struct{ children []Condition }

func (n anyNode) eval(in Input) (bool, error) {
	for _, c := range n.children {
		ok, err := c.eval(in)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type allNode struct{ children []Condition }

func (n allNode) eval(in Input) (bool, error) {
	for _, c := range n.children {
		ok, err := c.eval(in)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type notNode struct{ child Condition }

func (n notNode) eval(in Input) (bool, error) {
	ok, err := n.child.eval(in)
	return !ok, err
}

type entityNode struct {
	entityType string
	minScore   float64
	source     string
}

func (n entityNode) eval(in Input) (bool, error) {
	for _, e := range in.Entities {
		if e.Type != n.entityType {
			continue
		}
		if e.Score < n.minScore {
			continue
		}
		if n.source != "" && e.Source != n.source {
			continue
		}
		return true, nil
	}
	return false, nil
}

type signalOp int

const (
	opEquals signalOp = iota
	opIn
	opContains
)

type signalNode struct {
	field   string
	op      signalOp
	operand signal.Value
}

func (n signalNode) eval(in Input) (bool, error) {
	value := in.Signals.Get(n.field)
	switch n.op {
	case opEquals:
		return value.Equal(n.operand), nil
	case opIn:
		return n.operand.Contains(value), nil
	case opContains:
		return value.Contains(n.operand), nil
	}
	return false, nil
}

// celNode is the additive extension: an arbitrary CEL expression over the
// entities list and the signals map, compiled once at rule load.
type celNode struct {
	src  string
	prog cel.Program
}

func (n celNode) eval(in Input) (bool, error) {
	ents := make([]any, len(in.Entities))
	for i, e := range in.Entities {
		ents[i] = map[string]any{
			"type":   e.Type,
			"start":  e.Start,
			"end":    e.End,
			"score":  e.Score,
			"source": e.Source,
			"text":   e.Text,
		}
	}
	sigs, _ := in.Signals.ToAny().(map[string]any)

	out, _, err := n.prog.Eval(map[string]any{
		"entities": ents,
		"signals":  sigs,
	})
	if err != nil {
		return false, fmt.Errorf("cel eval %q: %w", n.src, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q is not boolean", n.src)
	}
	return b, nil
}

// Compiler turns raw JSON condition trees into Conditions. It owns the CEL
// environment shared by every cel node.
type Compiler struct {
	env *cel.Env
}

// NewCompiler builds the compiler and its CEL environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("entities", types.NewListType(types.DynType)),
			decls.NewVariable("signals", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile validates and compiles a conditions tree. Any structural problem
// is reported as ErrMalformed.
func (c *Compiler) Compile(raw json.RawMessage) (Condition, error) {
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c.compileNode(node)
}

func (c *Compiler) compileNode(node map[string]any) (Condition, error) {
	if children, ok := node["any"]; ok {
		list, err := c.compileList("any", children)
		if err != nil {
			return nil, err
		}
		return anyNode{children: list}, nil
	}

	if children, ok := node["all"]; ok {
		list, err := c.compileList("all", children)
		if err != nil {
			return nil, err
		}
		return allNode{children: list}, nil
	}

	if child, ok := node["not"]; ok {
		m, ok := child.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: not operand must be a condition", ErrMalformed)
		}
		inner, err := c.compileNode(m)
		if err != nil {
			return nil, err
		}
		return notNode{child: inner}, nil
	}

	if et, ok := node["entity_type"]; ok {
		return c.compileEntity(node, et)
	}

	if s, ok := node["signal"]; ok {
		return c.compileSignal(s)
	}

	if expr, ok := node["cel"]; ok {
		return c.compileCel(expr)
	}

	return nil, fmt.Errorf("%w: unknown node shape %v", ErrMalformed, keysOf(node))
}

func (c *Compiler) compileList(op string, raw any) ([]Condition, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s operand must be a list", ErrMalformed, op)
	}
	out := make([]Condition, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s element must be a condition", ErrMalformed, op)
		}
		cond, err := c.compileNode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func (c *Compiler) compileEntity(node map[string]any, rawType any) (Condition, error) {
	et, ok := rawType.(string)
	if !ok || et == "" {
		return nil, fmt.Errorf("%w: entity_type must be a non-empty string", ErrMalformed)
	}

	n := entityNode{entityType: et}
	if raw, present := node["min_score"]; present {
		score, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: min_score must be a number", ErrMalformed)
		}
		n.minScore = score
	}
	if raw, present := node["source"]; present {
		src, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: source must be a string", ErrMalformed)
		}
		n.source = src
	}
	return n, nil
}

func (c *Compiler) compileSignal(raw any) (Condition, error) {
	spec, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: signal operand must be an object", ErrMalformed)
	}
	field, ok := spec["field"].(string)
	if !ok || field == "" {
		return nil, fmt.Errorf("%w: signal.field must be a non-empty string", ErrMalformed)
	}

	if v, present := spec["equals"]; present {
		operand, err := signal.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return signalNode{field: field, op: opEquals, operand: operand}, nil
	}
	if v, present := spec["in"]; present {
		if _, isList := v.([]any); !isList {
			return nil, fmt.Errorf("%w: signal.in must be a list", ErrMalformed)
		}
		operand, err := signal.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return signalNode{field: field, op: opIn, operand: operand}, nil
	}
	if v, present := spec["contains"]; present {
		operand, err := signal.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return signalNode{field: field, op: opContains, operand: operand}, nil
	}

	return nil, fmt.Errorf("%w: unsupported signal operator %v", ErrMalformed, keysOf(spec))
}

func (c *Compiler) compileCel(raw any) (Condition, error) {
	src, ok := raw.(string)
	if !ok || src == "" {
		return nil, fmt.Errorf("%w: cel must be a non-empty expression", ErrMalformed)
	}
	ast, issues := c.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: cel compile: %v", ErrMalformed, issues.Err())
	}
	prog, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: cel program: %v", ErrMalformed, err)
	}
	return celNode{src: src, prog: prog}, nil
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
