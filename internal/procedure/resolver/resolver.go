package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

// Failure kinds recorded on dependency resolutions.
const (
	KindUnresolved    = "UnresolvedDependency"
	KindDepthExceeded = "DependencyDepthExceeded"
)

const (
	defaultMaxDepth        = 8
	defaultConflictRetries = 5
)

// ContextKey is the parent context key under which satisfied dependencies
// publish their results, keyed by graph id.
const ContextKey = "dependencies"

// Enqueuer schedules an execution for a processing pass.
type Enqueuer interface {
	Enqueue(id string)
}

// Resolution reports one dependency reference.
type Resolution struct {
	Key       string
	Ref       procedure.DependencyRef
	Graph     procedure.GraphRef
	ChildID   string
	Status    execution.DependencyStatus
	Kind      string
	Reason    string
	Attempted []string
	// Launched is set when this call created the child execution.
	Launched bool
}

// Result groups resolutions by outcome. Skipped optional dependencies count
// as resolved.
type Result struct {
	Resolved   []Resolution
	Unresolved []Resolution
	Failed     []Resolution
}

// Satisfied reports whether every reference is resolved.
func (r Result) Satisfied() bool {
	return len(r.Unresolved) == 0 && len(r.Failed) == 0
}

// Blocked reports whether a reference failed for good.
func (r Result) Blocked() bool {
	return len(r.Failed) > 0
}

// Request asks for the dependencies of one node.
type Request struct {
	ExecutionID string
	NodeID      string
	Refs        []procedure.DependencyRef
	// Fresh scopes records to the node and ignores prior completed
	// executions. Dependency gates resolve this way.
	Fresh bool
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithMaxDepth bounds the nesting of child executions.
func WithMaxDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithLauncher sets where new children and finished parents are enqueued.
func WithLauncher(l Enqueuer) Option {
	return func(r *Resolver) {
		r.launcher = l
	}
}

// WithReuseCompleted toggles satisfying a reference from an earlier
// completed execution of the same graph for the same owner.
func WithReuseCompleted(reuse bool) Option {
	return func(r *Resolver) {
		r.reuse = reuse
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIDGenerator overrides how child execution ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithConflictRetries bounds compare-and-swap retries on the parent.
func WithConflictRetries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.retries = n
		}
	}
}

// Resolver resolves dependency references for executions in a Store.
type Resolver struct {
	store    execution.Store
	graphs   procedure.Source
	launcher Enqueuer
	maxDepth int
	reuse    bool
	retries  int
	clock    func() time.Time
	newID    func() string
}

// New wires a resolver to the execution store and graph source.
func New(store execution.Store, graphs procedure.Source, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("resolver: execution store is required")
	}
	if graphs == nil {
		return nil, fmt.Errorf("resolver: graph source is required")
	}
	r := &Resolver{
		store:    store,
		graphs:   graphs,
		maxDepth: defaultMaxDepth,
		reuse:    true,
		retries:  defaultConflictRetries,
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetLauncher installs the enqueuer after construction, for wiring where the
// queue is built after the resolver.
func (r *Resolver) SetLauncher(l Enqueuer) {
	r.launcher = l
}

// MaxDepth returns the configured nesting limit.
func (r *Resolver) MaxDepth() int {
	return r.maxDepth
}

// RecordKey returns the dependency record key for ref on nodeID.
func RecordKey(nodeID string, ref procedure.DependencyRef, fresh bool) string {
	if fresh {
		return Scope(nodeID) + "/" + ref.Key()
	}
	return ref.Key()
}

// Scope returns the record scope used for node-scoped resolution.
func Scope(nodeID string) string {
	return "node/" + nodeID
}

// Reset clears the node-scoped records of nodeID so a dependency gate retry
// resolves from scratch. It runs inside a Mutation.
func Reset(state *execution.State, nodeID string) {
	scope := Scope(nodeID)
	for key, record := range state.Dependencies {
		if record.Scope == scope {
			delete(state.Dependencies, key)
		}
	}
}

type launch struct {
	childID string
	key     string
	graph   procedure.GraphRef
}

type plan struct {
	result   Result
	records  []execution.DependencyRecord
	merges   map[string]any
	launches []launch
}

func (p *plan) changed() bool {
	return len(p.records) > 0 || len(p.merges) > 0
}

// Resolve evaluates req.Refs in declared order. Record updates are committed
// to the parent with a single compare-and-swap transition before any child
// is created, so repeated calls never launch a second child for the same
// reference.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if req.ExecutionID == "" {
		return Result{}, fmt.Errorf("resolver: execution id is required")
	}
	for attempt := 0; ; attempt++ {
		parent, err := r.store.Get(ctx, req.ExecutionID)
		if err != nil {
			return Result{}, err
		}
		p := &plan{merges: map[string]any{}}
		for _, ref := range req.Refs {
			key := RecordKey(req.NodeID, ref, req.Fresh)
			existing, ok := parent.Dependencies[key]
			if !ok {
				existing = execution.DependencyRecord{
					Key:    key,
					Ref:    ref.Clone(),
					Status: execution.DependencyPending,
				}
				if req.Fresh {
					existing.Scope = Scope(req.NodeID)
				}
			}
			next, res, err := r.evaluate(ctx, &parent, existing, req.Fresh, true, p)
			if err != nil {
				return Result{}, err
			}
			if !ok || !sameRecord(existing, next) {
				p.records = append(p.records, next)
			}
			switch {
			case res.Status == execution.DependencyFailed:
				p.result.Failed = append(p.result.Failed, res)
			case res.Status.Settled():
				p.result.Resolved = append(p.result.Resolved, res)
			default:
				p.result.Unresolved = append(p.result.Unresolved, res)
			}
		}
		if !p.changed() {
			if err := r.launch(ctx, &parent, req.NodeID, p.launches); err != nil {
				return Result{}, err
			}
			return p.result, nil
		}
		_, err = r.store.ApplyTransition(ctx, parent.ID, parent.Version, execution.Transition{
			CausedBy: "dependency:resolve:" + req.NodeID,
			Mutate:   p.apply,
		})
		if errors.Is(err, execution.ErrConflict) && attempt < r.retries {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("resolver: commit %s: %w", parent.ID, err)
		}
		if err := r.launch(ctx, &parent, req.NodeID, p.launches); err != nil {
			return Result{}, err
		}
		return p.result, nil
	}
}

// ChildFinished folds a terminal child into its parent: success satisfies
// the record and publishes the child's results into the parent context;
// failure moves the record to the next alternative or settles it. The
// parent is enqueued afterwards. Notifications for children the parent no
// longer references are ignored.
func (r *Resolver) ChildFinished(ctx context.Context, childID string) error {
	child, err := r.store.Get(ctx, childID)
	if err != nil {
		return err
	}
	if !child.Status.Terminal() || child.ParentID == "" {
		return nil
	}
	for attempt := 0; ; attempt++ {
		parent, err := r.store.Get(ctx, child.ParentID)
		if errors.Is(err, execution.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		record, ok := parent.Dependencies[child.DependencyKey]
		if parent.Status.Terminal() || !ok || record.ChildID != child.ID || record.Status.Settled() {
			return nil
		}
		p := &plan{merges: map[string]any{}}
		next, _, err := r.evaluate(ctx, &parent, record, record.Scope != "", false, p)
		if err != nil {
			return err
		}
		p.records = append(p.records, next)
		_, err = r.store.ApplyTransition(ctx, parent.ID, parent.Version, execution.Transition{
			CausedBy: "dependency:child-finished:" + child.ID,
			Mutate:   p.apply,
		})
		if errors.Is(err, execution.ErrConflict) && attempt < r.retries {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolver: commit %s: %w", parent.ID, err)
		}
		r.enqueue(parent.ID)
		return nil
	}
}

// evaluate advances one record as far as it can without waiting. With
// launchNext false a failed child leaves the record pending on the next
// candidate instead of launching it.
func (r *Resolver) evaluate(ctx context.Context, parent *execution.State, record execution.DependencyRecord, fresh, launchNext bool, p *plan) (execution.DependencyRecord, Resolution, error) {
	record = record.Clone()
	res := Resolution{}
	for !record.Status.Settled() {
		if record.ChildID != "" {
			child, err := r.store.Get(ctx, record.ChildID)
			if errors.Is(err, execution.ErrNotFound) {
				// Committed but never created; create it now with the same id.
				p.launches = append(p.launches, launch{childID: record.ChildID, key: record.Key, graph: record.Graph})
				break
			}
			if err != nil {
				return record, res, err
			}
			if !child.Status.Terminal() {
				break
			}
			if child.Status == execution.StatusCompleted {
				r.satisfy(&record, &child, p)
				break
			}
			record.Reason = fmt.Sprintf("%s %s: %s", child.Graph, child.Status, child.StatusReason)
			record.ChildID = ""
			record.Candidate++
			if !launchNext {
				if record.Candidate >= len(record.Ref.Candidates()) {
					r.exhaust(&record)
				}
				break
			}
			continue
		}

		candidates := record.Ref.Candidates()
		if record.Candidate >= len(candidates) {
			r.exhaust(&record)
			break
		}
		candidate := candidates[record.Candidate]
		g, err := r.graphs.Resolve(candidate)
		if errors.Is(err, procedure.ErrGraphNotFound) {
			record.Attempted = append(record.Attempted, candidate.Key())
			record.Reason = err.Error()
			record.Candidate++
			continue
		}
		if err != nil {
			return record, res, err
		}
		if !fresh && r.reuse {
			prior, found, err := r.completed(ctx, parent, g.Ref())
			if err != nil {
				return record, res, err
			}
			if found {
				record.Graph = g.Ref()
				record.Attempted = append(record.Attempted, g.Ref().String())
				r.satisfy(&record, &prior, p)
				break
			}
		}
		if parent.Depth+1 > r.maxDepth {
			record.Graph = g.Ref()
			record.Attempted = append(record.Attempted, g.Ref().String())
			record.Status = execution.DependencyFailed
			record.Reason = fmt.Sprintf("%s: depth %d exceeds limit %d", KindDepthExceeded, parent.Depth+1, r.maxDepth)
			record.ResolvedAt = r.clock()
			res.Kind = KindDepthExceeded
			break
		}
		record.ChildID = r.newID()
		record.Graph = g.Ref()
		record.Attempted = append(record.Attempted, g.Ref().String())
		record.Reason = ""
		p.launches = append(p.launches, launch{childID: record.ChildID, key: record.Key, graph: g.Ref()})
		res.Launched = true
		break
	}
	res.Key = record.Key
	res.Ref = record.Ref.Clone()
	res.Graph = record.Graph
	res.ChildID = record.ChildID
	res.Status = record.Status
	res.Reason = record.Reason
	res.Attempted = append([]string(nil), record.Attempted...)
	if res.Status == execution.DependencyFailed && res.Kind == "" {
		res.Kind = KindUnresolved
		if strings.HasPrefix(record.Reason, KindDepthExceeded) {
			res.Kind = KindDepthExceeded
		}
	}
	return record, res, nil
}

func (r *Resolver) satisfy(record *execution.DependencyRecord, child *execution.State, p *plan) {
	record.Status = execution.DependencySatisfied
	record.ChildID = child.ID
	record.Graph = child.Graph
	record.Reason = ""
	record.ResolvedAt = r.clock()
	p.merges[child.Graph.ID] = map[string]any{
		"execution_id": child.ID,
		"graph":        child.Graph.String(),
		"context":      execution.CloneMap(child.Context),
		"outputs":      outputsValue(child.Outputs()),
	}
}

func (r *Resolver) exhaust(record *execution.DependencyRecord) {
	record.ChildID = ""
	record.ResolvedAt = r.clock()
	if record.Ref.Required {
		record.Status = execution.DependencyFailed
		if record.Reason == "" {
			record.Reason = "no candidate could be resolved"
		}
		record.Reason = fmt.Sprintf("%s: alternatives exhausted (%s)", KindUnresolved, record.Reason)
		return
	}
	record.Status = execution.DependencySkipped
}

// completed returns the most recent completed execution of ref for the
// parent's owner.
func (r *Resolver) completed(ctx context.Context, parent *execution.State, ref procedure.GraphRef) (execution.State, bool, error) {
	states, err := r.store.List(ctx, execution.Filter{
		OwnerID:      parent.OwnerID,
		GraphID:      ref.ID,
		GraphVersion: ref.Version,
		Statuses:     []execution.Status{execution.StatusCompleted},
	})
	if err != nil {
		return execution.State{}, false, err
	}
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].ID != parent.ID {
			return states[i], true, nil
		}
	}
	return execution.State{}, false, nil
}

func (p *plan) apply(state *execution.State) error {
	for _, record := range p.records {
		state.SetDependency(record)
	}
	for _, l := range p.launches {
		state.AddChild(l.childID)
	}
	if len(p.merges) > 0 {
		if state.Context == nil {
			state.Context = map[string]any{}
		}
		deps, _ := state.Context[ContextKey].(map[string]any)
		if deps == nil {
			deps = map[string]any{}
		}
		for graphID, value := range p.merges {
			deps[graphID] = execution.CloneMap(value.(map[string]any))
		}
		state.Context[ContextKey] = deps
	}
	return nil
}

func (r *Resolver) launch(ctx context.Context, parent *execution.State, nodeID string, launches []launch) error {
	for _, l := range launches {
		if _, err := r.store.Create(ctx, execution.CreateRequest{
			ID:            l.childID,
			Graph:         l.graph,
			OwnerID:       parent.OwnerID,
			Context:       childContext(parent.Context),
			ParentID:      parent.ID,
			ParentNode:    nodeID,
			DependencyKey: l.key,
			Depth:         parent.Depth + 1,
			AllowParallel: true,
		}); err != nil {
			return fmt.Errorf("resolver: create child %s for %s: %w", l.graph, parent.ID, err)
		}
		r.enqueue(l.childID)
	}
	return nil
}

func (r *Resolver) enqueue(id string) {
	if r.launcher != nil {
		r.launcher.Enqueue(id)
	}
}

// childContext copies the parent context minus results of the parent's own
// dependencies.
func childContext(parent map[string]any) map[string]any {
	out := execution.CloneMap(parent)
	delete(out, ContextKey)
	return out
}

func outputsValue(outputs map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(outputs))
	for id, output := range outputs {
		out[id] = execution.CloneMap(output)
	}
	return out
}

func sameRecord(a, b execution.DependencyRecord) bool {
	if a.Status != b.Status || a.Candidate != b.Candidate || a.ChildID != b.ChildID || a.Graph != b.Graph || a.Reason != b.Reason {
		return false
	}
	return len(a.Attempted) == len(b.Attempted)
}
