package procedure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/pathway/internal/procedure/condition"
)

// ErrInvalidGraph is matched by every *ValidationFailure.
var ErrInvalidGraph = errors.New("procedure: invalid graph")

// ValidationKind classifies a structural defect.
type ValidationKind string

const (
	KindUnreachableNode    ValidationKind = "unreachable-node"
	KindDeadEnd            ValidationKind = "dead-end"
	KindCycle              ValidationKind = "cycle"
	KindDanglingEdge       ValidationKind = "dangling-edge"
	KindMultipleStart      ValidationKind = "multiple-start"
	KindNoExitPath         ValidationKind = "no-exit-path"
	KindMissingID          ValidationKind = "missing-id"
	KindMissingStart       ValidationKind = "missing-start"
	KindDuplicateNode      ValidationKind = "duplicate-node"
	KindInvalidKind        ValidationKind = "invalid-kind"
	KindMissingHandler     ValidationKind = "missing-handler"
	KindInvalidSelfLoop    ValidationKind = "invalid-self-loop"
	KindInvalidCondition   ValidationKind = "invalid-condition"
	KindInvalidDependency  ValidationKind = "invalid-dependency"
	KindInvalidRetry       ValidationKind = "invalid-retry"
	KindExitHasOutgoing    ValidationKind = "exit-has-outgoing"
)

// ValidationError describes one defect. Node is empty for graph-level issues.
type ValidationError struct {
	Kind    ValidationKind `json:"kind"`
	Node    string         `json:"node,omitempty"`
	Message string         `json:"message"`
}

func (e ValidationError) String() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Node, e.Message)
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	OK     bool              `json:"ok"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Has reports whether any error of the given kind was found.
func (r ValidationResult) Has(kind ValidationKind) bool {
	for _, err := range r.Errors {
		if err.Kind == kind {
			return true
		}
	}
	return false
}

// Err returns nil for a valid result and a *ValidationFailure otherwise.
func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationFailure{Errors: r.Errors}
}

// ValidationFailure wraps the defects of a rejected graph.
type ValidationFailure struct {
	Graph  GraphRef
	Errors []ValidationError
}

func (f *ValidationFailure) Error() string {
	parts := make([]string, len(f.Errors))
	for i, err := range f.Errors {
		parts[i] = err.String()
	}
	prefix := "procedure: invalid graph"
	if f.Graph.ID != "" {
		prefix += " " + f.Graph.String()
	}
	return prefix + ": " + strings.Join(parts, "; ")
}

func (f *ValidationFailure) Is(target error) bool {
	return target == ErrInvalidGraph
}

type validator struct {
	graph  *Graph
	nodes  map[string]Node
	errors []ValidationError
}

func (v *validator) add(kind ValidationKind, node, format string, args ...any) {
	v.errors = append(v.errors, ValidationError{Kind: kind, Node: node, Message: fmt.Sprintf(format, args...)})
}

// Validate performs static analysis of g. It does not modify g.
func Validate(g *Graph) ValidationResult {
	v := &validator{graph: g, nodes: make(map[string]Node, len(g.Nodes))}
	if strings.TrimSpace(g.ID) == "" {
		v.add(KindMissingID, "", "graph id is required")
	}
	v.checkNodes()
	v.checkEdges()
	v.checkEntry()
	if len(v.errors) == 0 {
		// Traversal checks assume a structurally sound node and edge set.
		v.checkReachability()
		v.checkTermination()
		v.checkCycles()
	}
	return ValidationResult{OK: len(v.errors) == 0, Errors: v.errors}
}

func (v *validator) checkNodes() {
	if len(v.graph.Nodes) == 0 {
		v.add(KindMissingStart, "", "graph declares no nodes")
		return
	}
	for idx, node := range v.graph.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			v.add(KindMissingID, "", "node[%d] has no id", idx)
			continue
		}
		if _, exists := v.nodes[node.ID]; exists {
			v.add(KindDuplicateNode, node.ID, "node id declared more than once")
			continue
		}
		v.nodes[node.ID] = node
		if !node.Kind.Valid() {
			v.add(KindInvalidKind, node.ID, "unknown node kind %q", node.Kind)
			continue
		}
		if node.Kind.InvokesHandler() && strings.TrimSpace(node.Handler) == "" {
			v.add(KindMissingHandler, node.ID, "%s node requires a handler", node.Kind)
		}
		v.checkRetry(node)
		v.checkDependencies(node)
	}
}

func (v *validator) checkRetry(node Node) {
	p := node.Retry
	switch {
	case p.MaxAttempts < 0:
		v.add(KindInvalidRetry, node.ID, "max_attempts must be >= 0")
	case p.BackoffBase < 0:
		v.add(KindInvalidRetry, node.ID, "backoff_base must be >= 0")
	case p.BackoffFactor != 0 && p.BackoffFactor < 1:
		v.add(KindInvalidRetry, node.ID, "backoff_factor must be >= 1")
	case p.Jitter < 0 || p.Jitter > 1:
		v.add(KindInvalidRetry, node.ID, "jitter must be within [0,1]")
	}
	if node.Timeout < 0 {
		v.add(KindInvalidRetry, node.ID, "timeout must be >= 0")
	}
}

func (v *validator) checkDependencies(node Node) {
	if node.Kind == KindDependencyGate && len(node.Dependencies) == 0 {
		v.add(KindInvalidDependency, node.ID, "dependency gate declares no dependencies")
	}
	if len(node.Dependencies) > 0 && node.Kind.Exit() {
		v.add(KindInvalidDependency, node.ID, "%s node cannot declare dependencies", node.Kind)
	}
	seen := map[string]struct{}{}
	for i, dep := range node.Dependencies {
		for j, candidate := range dep.Candidates() {
			key := candidate.Key()
			if key == "" {
				v.add(KindInvalidDependency, node.ID, "dependency[%d] candidate %d names neither a graph nor a selector", i, j)
				continue
			}
			if candidate.Version < 0 {
				v.add(KindInvalidDependency, node.ID, "dependency %s has a negative version", key)
			}
			if candidate.Graph == v.graph.ID && v.graph.ID != "" {
				v.add(KindInvalidDependency, node.ID, "dependency %s refers to its own graph", key)
			}
		}
		if key := dep.Key(); key != "" {
			if _, dup := seen[key]; dup {
				v.add(KindInvalidDependency, node.ID, "dependency %s declared more than once", key)
			}
			seen[key] = struct{}{}
		}
	}
}

func (v *validator) checkEdges() {
	loops := map[string]int{}
	for idx, edge := range v.graph.Edges {
		from, fromOK := v.nodes[edge.From]
		_, toOK := v.nodes[edge.To]
		if !fromOK || !toOK {
			missing := edge.From
			if fromOK {
				missing = edge.To
			}
			v.add(KindDanglingEdge, edge.From, "edge[%d] %s -> %s references unknown node %q", idx, edge.From, edge.To, missing)
			continue
		}
		if _, err := condition.Compile(edge.Condition); err != nil {
			v.add(KindInvalidCondition, edge.From, "edge %s -> %s: %v", edge.From, edge.To, err)
		}
		if from.Kind.Exit() {
			v.add(KindExitHasOutgoing, from.ID, "%s node has outgoing edge to %s", from.Kind, edge.To)
		}
		switch {
		case edge.SelfLoop() && !edge.RetryLoop:
			v.add(KindInvalidSelfLoop, from.ID, "self-loop must be annotated as a retry loop")
		case edge.SelfLoop() && !from.Kind.AllowsRetryLoop():
			v.add(KindInvalidSelfLoop, from.ID, "%s nodes cannot declare a retry loop", from.Kind)
		case edge.SelfLoop():
			loops[from.ID]++
			if loops[from.ID] == 2 {
				v.add(KindInvalidSelfLoop, from.ID, "more than one retry loop declared")
			}
		case edge.RetryLoop:
			v.add(KindInvalidSelfLoop, from.ID, "retry loop annotation on edge to %s which is not a self-loop", edge.To)
		}
	}
}

func (v *validator) checkEntry() {
	var starts []string
	for _, node := range v.graph.Nodes {
		if node.Kind == KindStart && node.ID != "" {
			starts = append(starts, node.ID)
		}
	}
	switch {
	case len(starts) == 0:
		if len(v.graph.Nodes) > 0 {
			v.add(KindMissingStart, "", "graph has no start node")
		}
	case len(starts) > 1:
		v.add(KindMultipleStart, "", "graph declares %d start nodes: %s", len(starts), strings.Join(starts, ", "))
	}
	if entry := v.graph.Entry; entry != "" {
		if node, ok := v.nodes[entry]; !ok || node.Kind != KindStart {
			v.add(KindMissingStart, entry, "entry node is not a start node")
		}
	}
	hasExit := false
	for _, node := range v.graph.Nodes {
		if node.Kind.Exit() {
			hasExit = true
			break
		}
	}
	if len(v.graph.Nodes) > 0 && !hasExit {
		v.add(KindNoExitPath, "", "graph has no end or terminal node")
	}
	for _, exit := range v.graph.Exits {
		node, ok := v.nodes[exit]
		if !ok {
			v.add(KindDanglingEdge, exit, "declared exit does not exist")
			continue
		}
		if !node.Kind.Exit() {
			v.add(KindInvalidKind, exit, "declared exit is a %s node", node.Kind)
		}
	}
}

func (v *validator) entry() string {
	if v.graph.Entry != "" {
		return v.graph.Entry
	}
	for _, node := range v.graph.Nodes {
		if node.Kind == KindStart {
			return node.ID
		}
	}
	return ""
}

// adjacency excludes self-loops; they never change reachability and the
// annotated ones are bounded by the retry policy.
func (v *validator) adjacency() map[string][]string {
	adj := make(map[string][]string, len(v.nodes))
	for _, edge := range v.graph.Edges {
		if edge.SelfLoop() {
			continue
		}
		adj[edge.From] = append(adj[edge.From], edge.To)
	}
	return adj
}

func (v *validator) checkReachability() {
	adj := v.adjacency()
	seen := map[string]bool{}
	stack := []string{v.entry()}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, adj[id]...)
	}
	for _, node := range v.graph.Nodes {
		if !seen[node.ID] {
			v.add(KindUnreachableNode, node.ID, "node is not reachable from %s", v.entry())
		}
	}
}

func (v *validator) checkTermination() {
	adj := v.adjacency()
	reverse := map[string][]string{}
	for from, targets := range adj {
		for _, to := range targets {
			reverse[to] = append(reverse[to], from)
		}
	}
	reaches := map[string]bool{}
	var queue []string
	for _, node := range v.graph.Nodes {
		if node.Kind.Exit() {
			reaches[node.ID] = true
			queue = append(queue, node.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[id] {
			if !reaches[prev] {
				reaches[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	forward := map[string]bool{}
	for _, edge := range v.graph.Edges {
		if !edge.Recovery && !edge.SelfLoop() {
			forward[edge.From] = true
		}
	}
	for _, node := range v.graph.Nodes {
		if node.Kind.Exit() {
			continue
		}
		if len(adj[node.ID]) == 0 {
			v.add(KindDeadEnd, node.ID, "%s node has no outgoing edge", node.Kind)
			continue
		}
		if !forward[node.ID] {
			// Success would always fail with NoMatchingEdge.
			v.add(KindDeadEnd, node.ID, "%s node has only recovery edges", node.Kind)
			continue
		}
		if !reaches[node.ID] {
			v.add(KindNoExitPath, node.ID, "no path to an end or terminal node")
		}
	}
}

const (
	white = iota
	grey
	black
)

// checkCycles runs an iterative three-colour depth-first search from every
// node in declaration order and reports each back edge once.
func (v *validator) checkCycles() {
	adj := v.adjacency()
	colour := make(map[string]int, len(v.nodes))
	type frame struct {
		id   string
		next int
	}
	for _, root := range v.graph.Nodes {
		if colour[root.ID] != white {
			continue
		}
		stack := []frame{{id: root.ID}}
		path := []string{root.ID}
		colour[root.ID] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			targets := adj[top.id]
			if top.next >= len(targets) {
				colour[top.id] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			to := targets[top.next]
			top.next++
			switch colour[to] {
			case white:
				colour[to] = grey
				stack = append(stack, frame{id: to})
				path = append(path, to)
			case grey:
				v.add(KindCycle, to, "cycle %s", describeCycle(path, to))
			}
		}
	}
}

func describeCycle(path []string, to string) string {
	start := 0
	for i, id := range path {
		if id == to {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), to)
	return strings.Join(cycle, " -> ")
}
