package condition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Root variable names available to conditions.
const (
	RootContext = "context"
	RootOutput  = "output"
	RootNodes   = "nodes"
	RootNode    = "node"
)

var roots = map[string]struct{}{
	RootContext: {},
	RootOutput:  {},
	RootNodes:   {},
	RootNode:    {},
}

var functions = map[string]function.Function{
	"coalesce": stdlib.CoalesceFunc,
	"contains": stdlib.ContainsFunc,
	"keys":     stdlib.KeysFunc,
	"length":   stdlib.LengthFunc,
	"lower":    stdlib.LowerFunc,
	"upper":    stdlib.UpperFunc,
}

// Expr is a compiled condition. The zero value (and a nil pointer) always
// evaluates to true.
type Expr struct {
	source string
	expr   hcl.Expression
	refs   references
}

// references records which roots an expression reads, so evaluation only
// converts those. nodes is nil when the whole nodes root is needed.
type references struct {
	roots map[string]bool
	nodes map[string]bool
}

func collectReferences(expr hcl.Expression) references {
	refs := references{roots: map[string]bool{}, nodes: map[string]bool{}}
	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		refs.roots[root] = true
		if root != RootNodes || refs.nodes == nil {
			continue
		}
		id, ok := nodeStep(traversal)
		if !ok {
			refs.nodes = nil
			continue
		}
		refs.nodes[id] = true
	}
	return refs
}

// nodeStep returns the node id a nodes.<id> traversal selects.
func nodeStep(traversal hcl.Traversal) (string, bool) {
	if len(traversal) < 2 {
		return "", false
	}
	switch step := traversal[1].(type) {
	case hcl.TraverseAttr:
		return step.Name, true
	case hcl.TraverseIndex:
		if step.Key.IsKnown() && !step.Key.IsNull() && step.Key.Type().Equals(cty.String) {
			return step.Key.AsString(), true
		}
	}
	return "", false
}

// Compile parses src. Empty source compiles to an unconditional expression.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Expr{}, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, fmt.Errorf("condition: parse %q: %s", src, diags.Error())
	}
	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		if _, ok := roots[root]; !ok {
			return nil, fmt.Errorf("condition: %q references unknown variable %s", src, root)
		}
	}
	if err := checkFunctions(src, expr); err != nil {
		return nil, err
	}
	return &Expr{source: src, expr: expr, refs: collectReferences(expr)}, nil
}

// MustCompile panics if src does not compile.
func MustCompile(src string) *Expr {
	expr, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return expr
}

// Source returns the trimmed expression text.
func (e *Expr) Source() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Unconditional reports whether the expression always holds.
func (e *Expr) Unconditional() bool {
	return e == nil || e.expr == nil
}

// NodeInfo describes the node whose outgoing edges are being evaluated.
type NodeInfo struct {
	ID       string
	Attempts int
	Status   string
}

// Scope carries the values a condition is evaluated against.
type Scope struct {
	Context map[string]any
	Output  map[string]any
	Nodes   map[string]map[string]any
	Node    NodeInfo
}

// Eval evaluates the condition. Results that are unknown, null, or not
// convertible to bool are reported as errors.
func (e *Expr) Eval(scope Scope) (bool, error) {
	if e.Unconditional() {
		return true, nil
	}
	ctx, err := scope.evalContext(e.refs)
	if err != nil {
		return false, err
	}
	value, diags := e.expr.Value(ctx)
	if diags.HasErrors() {
		return false, fmt.Errorf("condition: evaluate %q: %s", e.source, diags.Error())
	}
	if !value.IsWhollyKnown() || value.IsNull() {
		return false, fmt.Errorf("condition: %q produced no value", e.source)
	}
	converted, err := convert.Convert(value, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition: %q is not boolean: %w", e.source, err)
	}
	return converted.True(), nil
}

func (s Scope) evalContext(refs references) (*hcl.EvalContext, error) {
	vars := make(map[string]cty.Value, len(refs.roots))
	if refs.roots[RootContext] {
		value, err := ToValue(s.Context)
		if err != nil {
			return nil, fmt.Errorf("condition: context: %w", err)
		}
		vars[RootContext] = value
	}
	if refs.roots[RootOutput] {
		value, err := ToValue(s.Output)
		if err != nil {
			return nil, fmt.Errorf("condition: output: %w", err)
		}
		vars[RootOutput] = value
	}
	if refs.roots[RootNodes] {
		nodes := make(map[string]any, len(s.Nodes))
		for id, out := range s.Nodes {
			if refs.nodes == nil || refs.nodes[id] {
				nodes[id] = out
			}
		}
		value, err := ToValue(nodes)
		if err != nil {
			return nil, fmt.Errorf("condition: nodes: %w", err)
		}
		vars[RootNodes] = value
	}
	if refs.roots[RootNode] {
		vars[RootNode] = cty.ObjectVal(map[string]cty.Value{
			"id":       cty.StringVal(s.Node.ID),
			"attempts": cty.NumberIntVal(int64(s.Node.Attempts)),
			"status":   cty.StringVal(s.Node.Status),
		})
	}
	return &hcl.EvalContext{Variables: vars, Functions: functions}, nil
}

func checkFunctions(src string, expr hclsyntax.Expression) error {
	var unknown []string
	diags := hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		call, ok := n.(*hclsyntax.FunctionCallExpr)
		if !ok {
			return nil
		}
		if _, known := functions[call.Name]; !known {
			unknown = append(unknown, call.Name)
		}
		return nil
	})
	if diags.HasErrors() {
		return fmt.Errorf("condition: inspect %q: %s", src, diags.Error())
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("condition: %q calls unknown function %s", src, strings.Join(unknown, ", "))
	}
	return nil
}
