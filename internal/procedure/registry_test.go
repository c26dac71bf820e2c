package procedure

import (
	"context"
	"errors"
	"testing"
)

type stubUsage map[GraphRef]bool

func (s stubUsage) GraphInUse(_ context.Context, ref GraphRef) (bool, error) {
	return s[ref], nil
}

func TestRegistryVersionsAndLatest(t *testing.T) {
	reg := NewRegistry()
	v1 := linearGraph()
	v2 := linearGraph()
	v2.Version = 2
	v2.Name = "second"
	if _, err := reg.Register(v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if _, err := reg.Register(v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	latest, err := reg.Get(GraphRef{ID: "permit"})
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 2 || latest.Name != "second" {
		t.Fatalf("expected v2 as latest, got %+v", latest.Ref())
	}
	pinned, err := reg.Get(GraphRef{ID: "permit", Version: 1})
	if err != nil || pinned.Version != 1 {
		t.Fatalf("old versions must stay resolvable: %v", err)
	}
	if got := reg.Versions("permit"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected versions %v", got)
	}
}

func TestRegistryRejectsDuplicateVersion(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(linearGraph())
	_, err := reg.Register(linearGraph())
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}
}

func TestRegistryRejectsInvalidGraph(t *testing.T) {
	reg := NewRegistry()
	g := linearGraph()
	g.Edges = g.Edges[:1]
	result, err := reg.Register(g)
	if result.OK || !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected rejection, got ok=%v err=%v", result.OK, err)
	}
	var failure *ValidationFailure
	if !errors.As(err, &failure) || failure.Graph.ID != "permit" {
		t.Fatalf("failure should carry the graph ref: %v", err)
	}
	if _, err := reg.Get(GraphRef{ID: "permit"}); !errors.Is(err, ErrGraphNotFound) {
		t.Fatalf("rejected graph must not be stored, got %v", err)
	}
}

func TestRegistryStoresImmutableCopy(t *testing.T) {
	reg := NewRegistry()
	g := linearGraph()
	reg.MustRegister(g)
	g.Nodes[1].Handler = "mutated"
	stored, err := reg.Get(GraphRef{ID: "permit", Version: 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	node, _ := stored.Node("collect")
	if node.Handler != "noop" {
		t.Fatalf("registry should hold its own copy, got handler %q", node.Handler)
	}
}

func TestRegistryResolvesSelector(t *testing.T) {
	reg := NewRegistry()
	for _, spec := range []struct {
		id      string
		version int
		service string
	}{
		{"tax-online", 1, "tax"},
		{"tax-online", 2, "tax"},
		{"tax-paper", 5, "tax"},
		{"identity", 1, "id"},
	} {
		g := linearGraph()
		g.ID = spec.id
		g.Version = spec.version
		g.Labels = map[string]string{"service": spec.service}
		reg.MustRegister(g)
	}
	got, err := reg.Resolve(DependencyRef{Selector: map[string]string{"service": "tax"}})
	if err != nil {
		t.Fatalf("resolve selector: %v", err)
	}
	if got.Ref() != (GraphRef{ID: "tax-online", Version: 2}) {
		t.Fatalf("unexpected selector match %s", got.Ref())
	}
	if _, err := reg.Resolve(DependencyRef{Selector: map[string]string{"service": "none"}}); !errors.Is(err, ErrGraphNotFound) {
		t.Fatalf("expected ErrGraphNotFound, got %v", err)
	}
	byID, err := reg.Resolve(DependencyRef{Graph: "identity"})
	if err != nil || byID.ID != "identity" {
		t.Fatalf("resolve by id: %v", err)
	}
}

func TestRegistryDeleteRefusesPinnedVersion(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(linearGraph())
	ref := GraphRef{ID: "permit", Version: 1}
	err := reg.Delete(context.Background(), ref, stubUsage{ref: true})
	if !errors.Is(err, ErrGraphInUse) {
		t.Fatalf("expected ErrGraphInUse, got %v", err)
	}
	if err := reg.Delete(context.Background(), ref, stubUsage{}); err != nil {
		t.Fatalf("delete unused version: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 0 {
		t.Fatalf("expected empty registry, got %v", ids)
	}
}
