package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/pathway/internal/escalation"
	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/handler"
	"github.com/kingrea/pathway/internal/logbook"
	"github.com/kingrea/pathway/internal/logging"
	"github.com/kingrea/pathway/internal/procedure"
	"github.com/kingrea/pathway/internal/procedure/condition"
	"github.com/kingrea/pathway/internal/procedure/resolver"
	"github.com/kingrea/pathway/internal/telemetry"
)

const (
	defaultMaxStepsPerPass = 64
	defaultConflictRetries = 5
)

// HandlerSource resolves handler names bound on action nodes.
type HandlerSource interface {
	Resolve(name string) (handler.Handler, error)
}

// Queue receives executions that need another pass.
type Queue interface {
	Enqueue(id string)
	EnqueueAt(id string, at time.Time)
}

// Dependencies are the collaborators an Engine needs. Store, Graphs,
// Handlers, and Resolver are required; the rest default to no-ops.
type Dependencies struct {
	Store    execution.Store
	Graphs   procedure.Source
	Handlers HandlerSource
	Resolver *resolver.Resolver
	Events   eventbridge.Publisher
	Queue    Queue
	Logbook  *logbook.Logbook
	Logger   *slog.Logger
}

// Engine executes procedure graphs against an execution store.
type Engine struct {
	store    execution.Store
	graphs   procedure.Source
	handlers HandlerSource
	resolver *resolver.Resolver
	events   eventbridge.Publisher
	queue    Queue
	journal  *logbook.Logbook
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time
	random   func() float64
	maxSteps int
	retries  int

	validated sync.Map
	compiled  sync.Map
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRandom replaces the jitter source. It must return values in [0,1).
func WithRandom(random func() float64) Option {
	return func(e *Engine) {
		if random != nil {
			e.random = random
		}
	}
}

// WithMaxStepsPerPass bounds how many transitions one pass commits before
// yielding the worker.
func WithMaxStepsPerPass(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithConflictRetries bounds how often a pass reloads after a version
// conflict before surfacing it.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// WithTracer overrides the tracer used for pass spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New wires an engine to its collaborators.
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: execution store is required")
	case deps.Graphs == nil:
		return nil, fmt.Errorf("engine: graph source is required")
	case deps.Handlers == nil:
		return nil, fmt.Errorf("engine: handler source is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("engine: dependency resolver is required")
	}
	e := &Engine{
		store:    deps.Store,
		graphs:   deps.Graphs,
		handlers: deps.Handlers,
		resolver: deps.Resolver,
		events:   deps.Events,
		queue:    deps.Queue,
		journal:  deps.Logbook,
		logger:   logging.OrDiscard(deps.Logger),
		tracer:   telemetry.Tracer(),
		clock:    func() time.Time { return time.Now().UTC() },
		random:   rand.Float64,
		maxSteps: defaultMaxStepsPerPass,
		retries:  defaultConflictRetries,
	}
	if e.queue == nil {
		e.queue = discardQueue{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type discardQueue struct{}

func (discardQueue) Enqueue(string)              {}
func (discardQueue) EnqueueAt(string, time.Time) {}

// StartRequest creates a new execution. A zero graph version starts the
// latest registered version; the execution stays pinned to it.
type StartRequest struct {
	Graph         procedure.GraphRef
	OwnerID       string
	Context       map[string]any
	AllowParallel bool
}

// StepOutcome summarises one pass.
type StepOutcome struct {
	Status execution.Status
	// Suspended is set when the pass stopped at a suspension point rather
	// than a terminal status.
	Suspended bool
	// WakeAt is when the execution next needs a pass without an outside
	// event: retry backoff or a node deadline.
	WakeAt time.Time
	Steps  int
}

// Start pins and validates the graph, creates a pending execution, and
// enqueues it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (execution.State, error) {
	graph, err := e.graph(req.Graph)
	if err != nil {
		return execution.State{}, err
	}
	id, err := e.store.Create(ctx, execution.CreateRequest{
		Graph:         graph.Ref(),
		OwnerID:       req.OwnerID,
		Context:       req.Context,
		AllowParallel: req.AllowParallel,
	})
	if err != nil {
		return execution.State{}, err
	}
	state, err := e.store.Get(ctx, id)
	if err != nil {
		return execution.State{}, err
	}
	e.journal.Info(id, "created %s for owner %s", graph.Ref(), req.OwnerID)
	e.logger.Info("engine: execution created", "execution_id", id, "graph", graph.Ref().String(), "owner_id", req.OwnerID)
	e.queue.Enqueue(id)
	return state, nil
}

// Dispatch runs a pass and reports when the execution next wants one. It
// satisfies the scheduler's Dispatcher contract.
func (e *Engine) Dispatch(ctx context.Context, id string) (time.Time, error) {
	outcome, err := e.Step(ctx, id)
	if errors.Is(err, execution.ErrNotFound) {
		e.logger.Warn("engine: dispatch for unknown execution", "execution_id", id)
		return time.Time{}, nil
	}
	return outcome.WakeAt, err
}

// Step runs one scheduling pass. Node failures are recorded on the
// execution; only store and resolver errors are returned.
func (e *Engine) Step(ctx context.Context, id string) (StepOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "pathway.engine.step", trace.WithAttributes(
		attribute.String("pathway.execution_id", id),
	))
	defer span.End()
	outcome, err := e.step(ctx, id)
	span.SetAttributes(
		attribute.String("pathway.status", string(outcome.Status)),
		attribute.Int("pathway.steps", outcome.Steps),
		attribute.Bool("pathway.suspended", outcome.Suspended),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (e *Engine) step(ctx context.Context, id string) (StepOutcome, error) {
	var outcome StepOutcome
	conflicts := 0
	for outcome.Steps < e.maxSteps {
		p, err := e.plan(ctx, id)
		if err != nil {
			return outcome, err
		}
		outcome.Status = p.base.Status
		if !p.commit {
			outcome.Suspended = p.suspend
			outcome.WakeAt = p.wakeAt
			return outcome, nil
		}
		version, err := e.store.ApplyTransition(ctx, id, p.base.Version, execution.Transition{
			CausedBy: p.causedBy,
			Mutate:   p.mutation(),
		})
		if errors.Is(err, execution.ErrConflict) {
			conflicts++
			if conflicts > e.retries {
				return outcome, fmt.Errorf("engine: step %s: %w", id, err)
			}
			e.logger.Debug("engine: conflict, reloading", "execution_id", id, "caused_by", p.causedBy)
			continue
		}
		if err != nil {
			return outcome, fmt.Errorf("engine: step %s: %w", id, err)
		}
		outcome.Steps++
		committed := p.next
		committed.Version = version
		e.afterCommit(ctx, p, &committed)
		outcome.Status = committed.Status
		if committed.Status.Terminal() {
			return outcome, nil
		}
		if p.suspend {
			outcome.Suspended = true
			outcome.WakeAt = p.wakeAt
			return outcome, nil
		}
	}
	e.queue.Enqueue(id)
	return outcome, nil
}

// graph fetches a pinned graph and validates it once per version.
func (e *Engine) graph(ref procedure.GraphRef) (*procedure.Graph, error) {
	g, err := e.graphs.Get(ref)
	if err != nil {
		return nil, err
	}
	key := g.Ref().String()
	if _, ok := e.validated.Load(key); ok {
		return g, nil
	}
	if result := procedure.Validate(g); !result.OK {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, result.Err())
	}
	e.validated.Store(key, struct{}{})
	return g, nil
}

func (e *Engine) compile(src string) (*condition.Expr, error) {
	if cached, ok := e.compiled.Load(src); ok {
		return cached.(*condition.Expr), nil
	}
	expr, err := condition.Compile(src)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(src, expr)
	return expr, nil
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// afterCommit runs the side effects of a durable transition.
func (e *Engine) afterCommit(ctx context.Context, p *pass, state *execution.State) {
	for _, n := range p.notes {
		e.journal.Append(n.level, state.ID, n.message)
	}
	for _, pending := range p.events {
		e.publish(e.event(pending.kind, state, pending.node, pending.payload))
	}
	for _, childID := range p.cancel {
		if err := e.Cancel(ctx, childID, fmt.Sprintf("parent %s node %s timed out", state.ID, state.CurrentNode)); err != nil && !errors.Is(err, execution.ErrNotFound) {
			e.logger.Error("engine: cancel child", "execution_id", state.ID, "child_id", childID, "error", err)
		}
	}
	if state.Status.Terminal() {
		e.terminal(ctx, state)
	}
}

// terminal publishes the outcome of a finished execution and notifies its
// parent.
func (e *Engine) terminal(ctx context.Context, state *execution.State) {
	switch state.Status {
	case execution.StatusCompleted:
		e.logger.Info("engine: execution completed", "execution_id", state.ID, "graph", state.Graph.String())
		e.journal.Info(state.ID, "completed: %s", state.StatusReason)
		e.publish(e.event(eventbridge.TypeExecutionCompleted, state, state.CurrentNode, map[string]any{"outputs": state.Outputs()}))
	case execution.StatusFailed:
		e.logger.Warn("engine: execution failed", "execution_id", state.ID, "graph", state.Graph.String(), "reason", state.StatusReason)
		e.journal.Error(state.ID, "failed: %s", state.StatusReason)
		e.publish(e.event(eventbridge.TypeExecutionFailed, state, state.CurrentNode, map[string]any{"reason": state.StatusReason}))
		e.escalate(ctx, state)
		e.cancelChildren(ctx, state, fmt.Sprintf("parent %s failed", state.ID))
	case execution.StatusCancelled:
		e.logger.Info("engine: execution cancelled", "execution_id", state.ID, "reason", state.StatusReason)
		e.publish(e.event(eventbridge.TypeExecutionCancelled, state, state.CurrentNode, map[string]any{"reason": state.StatusReason}))
	}
	if state.ParentID == "" {
		return
	}
	if err := e.resolver.ChildFinished(ctx, state.ID); err != nil {
		e.logger.Error("engine: notify parent", "execution_id", state.ID, "parent_id", state.ParentID, "error", err)
		e.queue.Enqueue(state.ParentID)
	}
}

// escalate raises the failed execution with its full checkpoint trail.
func (e *Engine) escalate(ctx context.Context, state *execution.State) {
	full, err := e.store.Get(ctx, state.ID)
	if err != nil {
		e.logger.Error("engine: load escalated execution", "execution_id", state.ID, "error", err)
		full = state.Clone()
	}
	report := escalation.NewReport(full, e.now())
	e.journal.Error(state.ID, "escalated: %s", report.Reason)
	e.publish(escalation.Event(report))
}

func (e *Engine) cancelChildren(ctx context.Context, state *execution.State, reason string) {
	for _, childID := range state.ChildIDs {
		if err := e.Cancel(ctx, childID, reason); err != nil && !errors.Is(err, execution.ErrNotFound) {
			e.logger.Error("engine: cancel child", "execution_id", state.ID, "child_id", childID, "error", err)
		}
	}
}

func (e *Engine) publish(evt eventbridge.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(evt)
}

func (e *Engine) event(kind string, state *execution.State, nodeID string, payload any) eventbridge.Event {
	evt := eventbridge.Event{
		Version:      eventbridge.EventSchemaVersion,
		EventID:      fmt.Sprintf("%s:%s:%s:%d", kind, state.ID, nodeID, state.Version),
		Type:         kind,
		ServerTime:   e.now(),
		ExecutionID:  state.ID,
		NodeID:       nodeID,
		Graph:        state.Graph.String(),
		OwnerID:      state.OwnerID,
		ParentID:     state.ParentID,
		StateVersion: state.Version,
	}
	return evt.WithPayload(payload)
}
