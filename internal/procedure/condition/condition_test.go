package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testScope() Scope {
	return Scope{
		Context: map[string]any{
			"name": "Ada",
			"age":  21,
			"tags": []any{"vip", "returning"},
			"address": map[string]any{
				"country": "NZ",
			},
		},
		Output: map[string]any{"decision": "approve", "score": 0.82},
		Nodes: map[string]map[string]any{
			"collect": {"documents": 3},
		},
		Node: NodeInfo{ID: "review", Attempts: 2, Status: "completed"},
	}
}

func TestEvalTable(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{name: "empty is unconditional", src: "", want: true},
		{name: "numeric comparison", src: "context.age >= 18", want: true},
		{name: "nested attribute", src: `context.address.country == "NZ"`, want: true},
		{name: "output equality", src: `output.decision == "reject"`, want: false},
		{name: "float output", src: "output.score > 0.8", want: true},
		{name: "other node output", src: "nodes.collect.documents > 2", want: true},
		{name: "node attempts", src: "node.attempts < 3 && node.id == \"review\"", want: true},
		{name: "function call", src: `lower(context.name) == "ada"`, want: true},
		{name: "collection length", src: "length(context.tags) == 2", want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expr, err := Compile(tc.src)
			require.NoError(t, err)
			got, err := expr.Eval(testScope())
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsUnknownRoot(t *testing.T) {
	_, err := Compile("vars.enabled")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown variable vars")
}

func TestCompileRejectsUnknownFunction(t *testing.T) {
	_, err := Compile(`shell("rm") == ""`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown function shell")
}

func TestCompileRejectsSyntaxErrors(t *testing.T) {
	_, err := Compile("context.age >=")
	require.Error(t, err)
}

func TestEvalMissingAttributeIsError(t *testing.T) {
	expr := MustCompile("context.missing == true")
	_, err := expr.Eval(testScope())
	require.Error(t, err)
}

func TestEvalNonBooleanIsError(t *testing.T) {
	expr := MustCompile("context.name")
	_, err := expr.Eval(testScope())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not boolean")
}

func TestNilExprIsUnconditional(t *testing.T) {
	var expr *Expr
	require.True(t, expr.Unconditional())
	ok, err := expr.Eval(Scope{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestToValueRejectsUnsupportedTypes(t *testing.T) {
	_, err := ToValue(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestEvalHandlesTypedCollections(t *testing.T) {
	type parcel struct {
		ID    int    `json:"id"`
		Zoned string `json:"zoned"`
	}
	scope := Scope{
		Context: map[string]any{
			"counts": map[string]int{"deeds": 2},
			"ids":    []int{4, 5},
			"small":  int8(3),
			"parcel": parcel{ID: 42, Zoned: "residential"},
		},
		Nodes: map[string]map[string]any{
			"lookup": {"rows": []map[string]any{{"id": 1}, {"id": 2}}},
		},
	}
	for _, src := range []string{
		"context.counts.deeds == 2",
		"length(context.ids) == 2 && context.small == 3",
		`context.parcel.zoned == "residential"`,
		"length(nodes.lookup.rows) == 2 && nodes.lookup.rows[1].id == 2",
	} {
		ok, err := MustCompile(src).Eval(scope)
		require.NoError(t, err, src)
		require.True(t, ok, src)
	}
}

func TestEvalIgnoresUnreferencedValues(t *testing.T) {
	scope := Scope{
		Context: map[string]any{"ok": true},
		Output:  map[string]any{"stream": make(chan int)},
		Nodes: map[string]map[string]any{
			"broken": {"stream": make(chan int)},
			"lookup": {"found": true},
		},
	}
	ok, err := MustCompile("context.ok == true && nodes.lookup.found").Eval(scope)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = MustCompile("nodes.broken.stream == null").Eval(scope)
	require.Error(t, err)
}
