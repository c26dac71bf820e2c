package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
}

func (q *recordingQueue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.ids {
		if queued == id {
			return true
		}
	}
	return false
}

func trivialGraph(id string, labels map[string]string) procedure.Graph {
	return procedure.Graph{
		ID:      id,
		Version: 1,
		Labels:  labels,
		Nodes: []procedure.Node{
			{ID: "start", Kind: procedure.KindStart},
			{ID: "done", Kind: procedure.KindEnd},
		},
		Edges: []procedure.Edge{{From: "start", To: "done"}},
	}
}

type harness struct {
	store    *execution.MemoryStore
	graphs   *procedure.Registry
	queue    *recordingQueue
	resolver *Resolver
	parentID string
}

func newHarness(t *testing.T, depth int, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	seq := 0
	store := execution.NewMemoryStore(execution.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("store-%d", seq)
	}))
	graphs := procedure.NewRegistry()
	graphs.MustRegister(trivialGraph("identity", map[string]string{"capability": "identity"}))
	graphs.MustRegister(trivialGraph("identity-manual", map[string]string{"capability": "identity"}))
	graphs.MustRegister(trivialGraph("residency", nil))
	queue := &recordingQueue{}
	childSeq := 0
	opts = append([]Option{
		WithLauncher(queue),
		WithIDGenerator(func() string {
			childSeq++
			return fmt.Sprintf("child-%d", childSeq)
		}),
	}, opts...)
	res, err := New(store, graphs, opts...)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	parentID, err := store.Create(ctx, execution.CreateRequest{
		Graph:   procedure.GraphRef{ID: "permit", Version: 1},
		OwnerID: "citizen-1",
		Context: map[string]any{"applicant": "A. Citizen"},
		Depth:   depth,
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	return &harness{store: store, graphs: graphs, queue: queue, resolver: res, parentID: parentID}
}

func (h *harness) finish(t *testing.T, childID string, status execution.Status) {
	t.Helper()
	ctx := context.Background()
	child, err := h.store.Get(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if _, err := h.store.ApplyTransition(ctx, childID, child.Version, execution.Transition{
		CausedBy: "test:finish",
		Mutate: func(s *execution.State) error {
			s.Status = status
			s.StatusReason = "test " + string(status)
			s.SetNode("done", execution.NodeState{Status: execution.NodeCompleted, Output: map[string]any{"verified": true}})
			return nil
		},
	}); err != nil {
		t.Fatalf("finish child: %v", err)
	}
	if err := h.resolver.ChildFinished(ctx, childID); err != nil {
		t.Fatalf("child finished: %v", err)
	}
}

func required(graph string, alternatives ...procedure.DependencyRef) procedure.DependencyRef {
	return procedure.DependencyRef{Graph: graph, Required: true, Alternatives: alternatives}
}

func TestResolveLaunchesChildOnce(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	req := Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{required("identity")}}

	first, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Satisfied() || len(first.Unresolved) != 1 || !first.Unresolved[0].Launched {
		t.Fatalf("expected one launched unresolved dependency, got %+v", first)
	}
	childID := first.Unresolved[0].ChildID
	second, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if len(second.Unresolved) != 1 || second.Unresolved[0].ChildID != childID || second.Unresolved[0].Launched {
		t.Fatalf("second resolve should reuse child %s, got %+v", childID, second)
	}
	children, err := h.store.List(ctx, execution.Filter{ParentID: h.parentID})
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected exactly one child, got %d", len(children))
	}
	child := children[0]
	if child.Depth != 1 || child.ParentNode != "verify" || child.DependencyKey != "identity@latest" || child.Graph.String() != "identity@v1" {
		t.Fatalf("unexpected child linkage %+v", child)
	}
	if child.Context["applicant"] != "A. Citizen" {
		t.Fatalf("child should inherit parent context, got %v", child.Context)
	}
	if !h.queue.contains(childID) {
		t.Fatalf("child %s was not enqueued", childID)
	}
	parent, _ := h.store.Get(ctx, h.parentID)
	if len(parent.ChildIDs) != 1 || parent.ChildIDs[0] != childID {
		t.Fatalf("parent child ids = %v", parent.ChildIDs)
	}
}

func TestChildCompletionSatisfiesAndPublishesContext(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	req := Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{required("identity")}}
	first, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	childID := first.Unresolved[0].ChildID
	h.finish(t, childID, execution.StatusCompleted)
	if !h.queue.contains(h.parentID) {
		t.Fatalf("parent should be enqueued after child finished")
	}
	parent, err := h.store.Get(ctx, h.parentID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	deps, _ := parent.Context[ContextKey].(map[string]any)
	identity, _ := deps["identity"].(map[string]any)
	outputs, _ := identity["outputs"].(map[string]any)
	done, _ := outputs["done"].(map[string]any)
	if identity["execution_id"] != childID || done["verified"] != true {
		t.Fatalf("unexpected published dependency context %v", parent.Context)
	}
	result, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve after completion: %v", err)
	}
	if !result.Satisfied() || result.Resolved[0].Status != execution.DependencySatisfied {
		t.Fatalf("expected satisfied dependency, got %+v", result)
	}
}

func TestFailedChildFallsBackThenExhausts(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	ref := required("identity", procedure.DependencyRef{Graph: "identity-manual"})
	req := Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{ref}}

	first, _ := h.resolver.Resolve(ctx, req)
	h.finish(t, first.Unresolved[0].ChildID, execution.StatusFailed)

	parent, _ := h.store.Get(ctx, h.parentID)
	record := parent.Dependencies[ref.Key()]
	if record.Status != execution.DependencyPending || record.Candidate != 1 || record.ChildID != "" {
		t.Fatalf("expected record to move to the alternative, got %+v", record)
	}

	second, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve alternative: %v", err)
	}
	alt := second.Unresolved[0]
	if alt.Graph.ID != "identity-manual" || !alt.Launched {
		t.Fatalf("expected alternative launch, got %+v", alt)
	}
	h.finish(t, alt.ChildID, execution.StatusCancelled)

	final, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve after exhaustion: %v", err)
	}
	if !final.Blocked() || final.Failed[0].Kind != KindUnresolved {
		t.Fatalf("expected exhausted required dependency, got %+v", final)
	}
	if got := final.Failed[0].Attempted; len(got) != 2 || got[0] != "identity@v1" || got[1] != "identity-manual@v1" {
		t.Fatalf("attempted alternatives = %v", got)
	}
}

func TestOptionalDependencyIsSkippedWhenExhausted(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	ref := procedure.DependencyRef{Graph: "missing-graph", Alternatives: []procedure.DependencyRef{{Graph: "also-missing"}}}
	result, err := h.resolver.Resolve(ctx, Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{ref}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !result.Satisfied() || result.Resolved[0].Status != execution.DependencySkipped {
		t.Fatalf("expected skipped optional dependency, got %+v", result)
	}
}

func TestDepthLimitIsHardFailure(t *testing.T) {
	h := newHarness(t, 2, WithMaxDepth(2))
	ctx := context.Background()
	optional := procedure.DependencyRef{Graph: "identity"}
	result, err := h.resolver.Resolve(ctx, Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{optional}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !result.Blocked() || result.Failed[0].Kind != KindDepthExceeded {
		t.Fatalf("expected depth failure even for optional dependency, got %+v", result)
	}
	children, _ := h.store.List(ctx, execution.Filter{ParentID: h.parentID})
	if len(children) != 0 {
		t.Fatalf("no child should be created past the depth limit")
	}
}

func TestPriorCompletedExecutionSatisfiesReference(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	priorID, err := h.store.Create(ctx, execution.CreateRequest{Graph: procedure.GraphRef{ID: "residency", Version: 1}, OwnerID: "citizen-1"})
	if err != nil {
		t.Fatalf("create prior: %v", err)
	}
	prior, _ := h.store.Get(ctx, priorID)
	if _, err := h.store.ApplyTransition(ctx, priorID, prior.Version, execution.Transition{
		CausedBy: "test:complete",
		Mutate: func(s *execution.State) error {
			s.Status = execution.StatusCompleted
			return nil
		},
	}); err != nil {
		t.Fatalf("complete prior: %v", err)
	}
	req := Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{required("residency")}}
	result, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !result.Satisfied() || result.Resolved[0].ChildID != priorID {
		t.Fatalf("expected reuse of %s, got %+v", priorID, result)
	}

	fresh, err := h.resolver.Resolve(ctx, Request{ExecutionID: h.parentID, NodeID: "gate", Refs: req.Refs, Fresh: true})
	if err != nil {
		t.Fatalf("fresh resolve: %v", err)
	}
	if fresh.Satisfied() || !fresh.Unresolved[0].Launched {
		t.Fatalf("fresh resolution must launch a new child, got %+v", fresh)
	}
	parent, _ := h.store.Get(ctx, h.parentID)
	if _, ok := parent.Dependencies["node/gate/residency@latest"]; !ok {
		t.Fatalf("expected node-scoped record, got %v", parent.Dependencies)
	}
	Reset(&parent, "gate")
	if _, ok := parent.Dependencies["node/gate/residency@latest"]; ok {
		t.Fatalf("Reset should clear node-scoped records")
	}
	if _, ok := parent.Dependencies["residency@latest"]; !ok {
		t.Fatalf("Reset must keep execution-scoped records")
	}
}

func TestSelectorResolvesByLabels(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	ref := procedure.DependencyRef{Selector: map[string]string{"capability": "identity"}, Required: true}
	result, err := h.resolver.Resolve(ctx, Request{ExecutionID: h.parentID, NodeID: "verify", Refs: []procedure.DependencyRef{ref}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := result.Unresolved[0].Graph.ID; got != "identity" {
		t.Fatalf("selector should resolve lexically first graph, got %s", got)
	}
}

func TestStaleChildNotificationIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	orphanID, err := h.store.Create(ctx, execution.CreateRequest{
		ID:            "orphan",
		Graph:         procedure.GraphRef{ID: "identity", Version: 1},
		OwnerID:       "citizen-1",
		ParentID:      h.parentID,
		DependencyKey: "identity@latest",
		Depth:         1,
		AllowParallel: true,
	})
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	before, _ := h.store.Get(ctx, h.parentID)
	h.finish(t, orphanID, execution.StatusCompleted)
	after, _ := h.store.Get(ctx, h.parentID)
	if after.Version != before.Version {
		t.Fatalf("stale notification must not touch the parent")
	}
}
