package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrGraphNotFound is returned when no registered version matches a lookup.
	ErrGraphNotFound = errors.New("procedure: graph not found")
	// ErrVersionExists is returned when re-registering an (id, version) pair.
	ErrVersionExists = errors.New("procedure: graph version already registered")
	// ErrGraphInUse is returned when deleting a version pinned by a live execution.
	ErrGraphInUse = errors.New("procedure: graph version in use")
)

// UsageChecker reports whether any non-terminal execution pins ref.
type UsageChecker interface {
	GraphInUse(ctx context.Context, ref GraphRef) (bool, error)
}

// Source is the read side of the registry used by the engine and resolver.
type Source interface {
	Get(ref GraphRef) (*Graph, error)
	Resolve(dep DependencyRef) (*Graph, error)
}

// Registry holds validated, immutable graph versions. Returned pointers are
// shared between callers and must be treated as read-only.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]map[int]*Graph
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: map[string]map[int]*Graph{}}
}

// Register normalizes and validates g and stores an immutable copy.
func (r *Registry) Register(g Graph) (ValidationResult, error) {
	normalized, result, err := g.Normalized()
	if err != nil {
		var failure *ValidationFailure
		if errors.As(err, &failure) {
			failure.Graph = GraphRef{ID: g.ID, Version: g.Version}
		}
		return result, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.graphs[normalized.ID]
	if versions == nil {
		versions = map[int]*Graph{}
		r.graphs[normalized.ID] = versions
	}
	if _, exists := versions[normalized.Version]; exists {
		return result, fmt.Errorf("%w: %s", ErrVersionExists, normalized.Ref())
	}
	versions[normalized.Version] = &normalized
	return result, nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(g Graph) {
	if _, err := r.Register(g); err != nil {
		panic(err)
	}
}

// Get returns the graph pinned by ref; version 0 selects the latest.
func (r *Registry) Get(ref GraphRef) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.graphs[ref.ID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, ref)
	}
	if ref.Version == 0 {
		return versions[latest(versions)], nil
	}
	g, ok := versions[ref.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, ref)
	}
	return g, nil
}

// Resolve finds the graph a dependency reference points at. Selectors match
// the lexically first graph id whose labels contain every pair, at its
// highest version carrying those labels.
func (r *Registry) Resolve(dep DependencyRef) (*Graph, error) {
	if dep.Graph != "" {
		return r.Get(GraphRef{ID: dep.Graph, Version: dep.Version})
	}
	if len(dep.Selector) == 0 {
		return nil, fmt.Errorf("%w: empty dependency reference", ErrGraphNotFound)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var best *Graph
		for _, g := range r.graphs[id] {
			if !dep.Matches(g.Labels) {
				continue
			}
			if best == nil || g.Version > best.Version {
				best = g
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, dep.Key())
}

// Versions lists registered versions of id in ascending order.
func (r *Registry) Versions(id string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.graphs[id]))
	for version := range r.graphs[id] {
		out = append(out, version)
	}
	sort.Ints(out)
	return out
}

// IDs returns a sorted list of registered graph identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete removes a single version. It refuses while inUse reports a live
// execution pinned to that version.
func (r *Registry) Delete(ctx context.Context, ref GraphRef, inUse UsageChecker) error {
	if ref.Version == 0 {
		return fmt.Errorf("procedure: delete %s: explicit version required", ref.ID)
	}
	if _, err := r.Get(ref); err != nil {
		return err
	}
	if inUse != nil {
		busy, err := inUse.GraphInUse(ctx, ref)
		if err != nil {
			return fmt.Errorf("procedure: delete %s: %w", ref, err)
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrGraphInUse, ref)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graphs[ref.ID], ref.Version)
	if len(r.graphs[ref.ID]) == 0 {
		delete(r.graphs, ref.ID)
	}
	return nil
}

func latest(versions map[int]*Graph) int {
	best := 0
	for version := range versions {
		if version > best {
			best = version
		}
	}
	return best
}
