package procedure

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GraphRef pins a graph definition by id and version. Version 0 means the
// latest registered version when used as a lookup key.
type GraphRef struct {
	ID      string `json:"id" yaml:"id"`
	Version int    `json:"version" yaml:"version"`
}

func (r GraphRef) String() string {
	if r.Version == 0 {
		return r.ID + "@latest"
	}
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

// ParseGraphRef accepts "id", "id@latest", "id@3" and "id@v3".
func ParseGraphRef(raw string) (GraphRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return GraphRef{}, fmt.Errorf("procedure: graph reference is empty")
	}
	id, version, found := strings.Cut(raw, "@")
	if id == "" {
		return GraphRef{}, fmt.Errorf("procedure: graph reference %q has no id", raw)
	}
	if !found || version == "latest" {
		return GraphRef{ID: id}, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil || n < 1 {
		return GraphRef{}, fmt.Errorf("procedure: graph reference %q has invalid version", raw)
	}
	return GraphRef{ID: id, Version: n}, nil
}

// NodeKind enumerates the node behaviours the engine understands.
type NodeKind string

const (
	KindStart          NodeKind = "start"
	KindEnd            NodeKind = "end"
	KindAction         NodeKind = "action"
	KindExternal       NodeKind = "external-integration"
	KindDecision       NodeKind = "decision"
	KindDependencyGate NodeKind = "dependency-gate"
	KindHumanReview    NodeKind = "human-review"
	KindTerminal       NodeKind = "terminal"
)

// Valid reports whether the kind is known.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindAction, KindExternal, KindDecision, KindDependencyGate, KindHumanReview, KindTerminal:
		return true
	default:
		return false
	}
}

// Exit reports whether reaching the node ends the execution.
func (k NodeKind) Exit() bool {
	return k == KindEnd || k == KindTerminal
}

// InvokesHandler reports whether the node delegates to an action handler.
func (k NodeKind) InvokesHandler() bool {
	return k == KindAction || k == KindExternal
}

// AllowsRetryLoop reports whether an annotated self-loop is permitted.
func (k NodeKind) AllowsRetryLoop() bool {
	return k.InvokesHandler() || k == KindDependencyGate
}

// RetryPolicy bounds how often a node is attempted and how long the engine
// waits between attempts.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffBase   time.Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffFactor float64       `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	Jitter        float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

const (
	defaultMaxAttempts   = 1
	defaultBackoffFactor = 2
)

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = defaultBackoffFactor
	}
	return p
}

// Backoff returns the delay before the next attempt once a node has been
// attempted `attempts` times. rnd is a sample in [0,1) scaled by Jitter.
func (p RetryPolicy) Backoff(attempts int, rnd float64) time.Duration {
	p = p.normalized()
	if p.BackoffBase <= 0 {
		return 0
	}
	delay := float64(p.BackoffBase) * math.Pow(p.BackoffFactor, float64(attempts))
	if p.Jitter > 0 {
		delay += rnd * p.Jitter * delay
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Node is a single step in a procedure graph.
type Node struct {
	ID           string          `json:"id" yaml:"id"`
	Kind         NodeKind        `json:"kind" yaml:"kind"`
	Name         string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	Handler      string          `json:"handler,omitempty" yaml:"handler,omitempty"`
	Config       map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Dependencies []DependencyRef `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry        RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	clone := n
	clone.Config = cloneAnyMap(n.Config)
	if len(n.Dependencies) > 0 {
		clone.Dependencies = make([]DependencyRef, len(n.Dependencies))
		for i, dep := range n.Dependencies {
			clone.Dependencies[i] = dep.Clone()
		}
	}
	return clone
}

// Edge connects two nodes. Recovery edges are only followed when the source
// node fails; RetryLoop marks the explicit self-loop annotation.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Recovery  bool   `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	RetryLoop bool   `json:"retry_loop,omitempty" yaml:"retry_loop,omitempty"`
}

// SelfLoop reports whether the edge returns to its source.
func (e Edge) SelfLoop() bool {
	return e.From == e.To
}

// DependencyRef names a prerequisite graph either by id/version or by a
// label selector. Alternatives are tried in order once the primary fails.
type DependencyRef struct {
	Graph        string            `json:"graph,omitempty" yaml:"graph,omitempty"`
	Version      int               `json:"version,omitempty" yaml:"version,omitempty"`
	Selector     map[string]string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Required     bool              `json:"required" yaml:"required"`
	Alternatives []DependencyRef   `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
}

// Key returns a canonical identifier for the reference, ignoring
// alternatives and the required flag.
func (d DependencyRef) Key() string {
	if d.Graph != "" {
		return GraphRef{ID: d.Graph, Version: d.Version}.String()
	}
	if len(d.Selector) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d.Selector))
	for key := range d.Selector {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, key := range keys {
		pairs[i] = key + "=" + d.Selector[key]
	}
	return "selector:" + strings.Join(pairs, ",")
}

// Candidates returns the primary reference followed by its alternatives, each
// without nested alternatives.
func (d DependencyRef) Candidates() []DependencyRef {
	out := make([]DependencyRef, 0, 1+len(d.Alternatives))
	primary := d.Clone()
	primary.Alternatives = nil
	out = append(out, primary)
	for _, alt := range d.Alternatives {
		alt = alt.Clone()
		alt.Alternatives = nil
		alt.Required = d.Required
		out = append(out, alt)
	}
	return out
}

// Clone returns a deep copy of the reference.
func (d DependencyRef) Clone() DependencyRef {
	clone := d
	clone.Selector = cloneStringMap(d.Selector)
	if len(d.Alternatives) > 0 {
		clone.Alternatives = make([]DependencyRef, len(d.Alternatives))
		for i, alt := range d.Alternatives {
			clone.Alternatives[i] = alt.Clone()
		}
	}
	return clone
}

// Matches reports whether labels satisfy every selector pair.
func (d DependencyRef) Matches(labels map[string]string) bool {
	if len(d.Selector) == 0 {
		return false
	}
	for key, want := range d.Selector {
		if labels[key] != want {
			return false
		}
	}
	return true
}

// Graph is an immutable, versioned procedure definition.
type Graph struct {
	ID          string            `json:"id" yaml:"id"`
	Version     int               `json:"version" yaml:"version"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Entry       string            `json:"entry,omitempty" yaml:"entry,omitempty"`
	Exits       []string          `json:"exits,omitempty" yaml:"exits,omitempty"`
	Nodes       []Node            `json:"nodes" yaml:"nodes"`
	Edges       []Edge            `json:"edges" yaml:"edges"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Ref returns the graph's pinned reference.
func (g *Graph) Ref() GraphRef {
	return GraphRef{ID: g.ID, Version: g.Version}
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving id ordered by ascending priority.
// Declaration order breaks ties.
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, edge := range g.Edges {
		if edge.From == id {
			out = append(out, edge)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// IsExit reports whether id names one of the graph's exit nodes.
func (g *Graph) IsExit(id string) bool {
	for _, exit := range g.Exits {
		if exit == id {
			return true
		}
	}
	return false
}

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, node := range g.Nodes {
		ids[i] = node.ID
	}
	return ids
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	clone := Graph{
		ID:          g.ID,
		Version:     g.Version,
		Name:        g.Name,
		Description: g.Description,
		Labels:      cloneStringMap(g.Labels),
		Entry:       g.Entry,
		Exits:       cloneStringSlice(g.Exits),
		Metadata:    cloneStringMap(g.Metadata),
	}
	if len(g.Nodes) > 0 {
		clone.Nodes = make([]Node, len(g.Nodes))
		for i, node := range g.Nodes {
			clone.Nodes[i] = node.Clone()
		}
	}
	if len(g.Edges) > 0 {
		clone.Edges = make([]Edge, len(g.Edges))
		copy(clone.Edges, g.Edges)
	}
	return clone
}

// Normalized clones the graph, fills Entry from the single Start node and
// Exits from End/Terminal nodes when they were not declared, applies retry
// defaults, and validates the result.
func (g Graph) Normalized() (Graph, ValidationResult, error) {
	clone := g.Clone()
	if clone.Version == 0 {
		clone.Version = 1
	}
	var starts []string
	for i := range clone.Nodes {
		node := &clone.Nodes[i]
		node.Kind = NodeKind(strings.ToLower(strings.TrimSpace(string(node.Kind))))
		node.Retry = node.Retry.normalized()
		switch node.Kind {
		case KindStart:
			starts = append(starts, node.ID)
		case KindEnd, KindTerminal:
			if len(g.Exits) == 0 {
				clone.Exits = append(clone.Exits, node.ID)
			}
		}
	}
	if clone.Entry == "" && len(starts) == 1 {
		clone.Entry = starts[0]
	}
	result := Validate(&clone)
	if !result.OK {
		return Graph{}, result, result.Err()
	}
	return clone, result, nil
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
