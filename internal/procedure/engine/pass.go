package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/handler"
	"github.com/kingrea/pathway/internal/logbook"
	"github.com/kingrea/pathway/internal/procedure"
	"github.com/kingrea/pathway/internal/procedure/condition"
	"github.com/kingrea/pathway/internal/procedure/resolver"
)

// pass is one planned transition. next is the full desired state built on
// a copy of base; commit is false when the execution has nothing to do.
type pass struct {
	base     execution.State
	next     execution.State
	causedBy string
	commit   bool
	suspend  bool
	wakeAt   time.Time
	events   []pendingEvent
	notes    []note
	cancel   []string
}

type pendingEvent struct {
	kind    string
	node    string
	payload any
}

type note struct {
	level   logbook.Level
	message string
}

func (p *pass) begin(causedBy string) {
	p.commit = true
	p.causedBy = causedBy
	p.next = p.base.Clone()
	p.next.Checkpoints = nil
	if p.next.Status == execution.StatusPending || p.next.Status.Waiting() {
		p.next.Status = execution.StatusRunning
		p.next.StatusReason = ""
	}
}

func (p *pass) mutation() execution.Mutation {
	snapshot := p.next.Snapshot()
	return func(s *execution.State) error {
		s.Restore(snapshot)
		return nil
	}
}

func (p *pass) wait(at ...time.Time) {
	p.suspend = true
	for _, t := range at {
		if t.IsZero() {
			continue
		}
		if p.wakeAt.IsZero() || t.Before(p.wakeAt) {
			p.wakeAt = t
		}
	}
}

func (p *pass) emit(kind, node string, payload any) {
	p.events = append(p.events, pendingEvent{kind: kind, node: node, payload: payload})
}

func (p *pass) log(level logbook.Level, format string, args ...any) {
	p.notes = append(p.notes, note{level: level, message: fmt.Sprintf(format, args...)})
}

// plan loads the execution and decides its next transition. Dependency
// resolution commits to the execution on its own, so the plan restarts
// from the reloaded state when resolution moved the version.
func (e *Engine) plan(ctx context.Context, id string) (*pass, error) {
	for attempt := 0; ; attempt++ {
		state, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		p := &pass{base: state}
		if state.Status.Terminal() {
			return p, nil
		}
		graph, err := e.graph(state.Graph)
		if err != nil {
			return nil, err
		}
		now := e.now()
		if state.Status == execution.StatusPending {
			p.begin("execution:start")
			p.emit(eventbridge.TypeExecutionStarted, "", nil)
			p.log(logbook.LevelInfo, "started %s", state.Graph)
			e.enter(p, graph, entryNode(graph), now)
			return p, nil
		}
		node, ok := graph.Node(state.CurrentNode)
		if !ok {
			return nil, fmt.Errorf("engine: execution %s: current node %q is not in %s", id, state.CurrentNode, state.Graph)
		}
		ns := state.Node(node.ID)

		if expired(ns, now) {
			p.begin("node:timeout:" + node.ID)
			p.cancel = pendingChildren(&state, node)
			if ns.Status == execution.NodeActive && ns.RetryAt.IsZero() && node.Kind != procedure.KindDependencyGate {
				// Timed out before the handler ran; count it so retry loops stay bounded.
				timedOut := p.next.Node(node.ID)
				timedOut.Attempts++
				p.next.SetNode(node.ID, timedOut)
			}
			e.fail(p, graph, node, Failure{
				Kind:      KindTimeout,
				Message:   fmt.Sprintf("no progress within %s (deadline %s)", node.Timeout, ns.DeadlineAt.Format(time.RFC3339)),
				Retryable: true,
			}, now)
			return p, nil
		}

		switch ns.Status {
		case execution.NodeCompleted, execution.NodeSkipped:
			p.begin("node:leave:" + node.ID)
			e.leave(p, graph, node, now)
			return p, nil
		case execution.NodeFailed:
			p.begin("node:failed:" + node.ID)
			e.fail(p, graph, node, Failure{Kind: ns.ErrorKind, Message: ns.LastError, Retryable: !ns.Exhausted}, now)
			return p, nil
		case execution.NodeWaiting:
			if state.Status != execution.StatusWaitingExternal {
				p.begin("node:waiting:" + node.ID)
				p.next.Status = execution.StatusWaitingExternal
			}
			p.wait(ns.DeadlineAt)
			return p, nil
		case execution.NodePending:
			p.begin("node:enter:" + node.ID)
			e.enter(p, graph, node.ID, now)
			return p, nil
		}

		if len(node.Dependencies) > 0 {
			result, err := e.resolver.Resolve(ctx, resolver.Request{
				ExecutionID: id,
				NodeID:      node.ID,
				Refs:        node.Dependencies,
				Fresh:       node.Kind == procedure.KindDependencyGate,
			})
			if err != nil {
				return nil, fmt.Errorf("engine: resolve dependencies of %s/%s: %w", id, node.ID, err)
			}
			e.noteLaunches(&state, node, result)
			reloaded, err := e.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if reloaded.Version != state.Version {
				current := reloaded.Node(node.ID)
				if reloaded.Status.Terminal() || reloaded.CurrentNode != node.ID || current.Status != execution.NodeActive {
					if attempt >= e.retries {
						return nil, fmt.Errorf("engine: execution %s kept changing during dependency resolution", id)
					}
					continue
				}
				state = reloaded
				p.base = reloaded
			}
			switch {
			case result.Blocked():
				failed := result.Failed[0]
				p.begin("dependency:failed:" + node.ID)
				e.fail(p, graph, node, Failure{
					Kind:      failed.Kind,
					Message:   describeResolution(failed),
					Retryable: node.Kind == procedure.KindDependencyGate && failed.Kind != KindDepthExceeded,
				}, now)
				return p, nil
			case !result.Satisfied():
				if state.Status != execution.StatusWaitingOnDependency {
					p.begin("dependency:wait:" + node.ID)
					p.next.Status = execution.StatusWaitingOnDependency
					p.next.StatusReason = "waiting on " + strings.Join(keys(result.Unresolved), ", ")
					p.log(logbook.LevelInfo, "%s waiting on dependencies %s", node.ID, strings.Join(keys(result.Unresolved), ", "))
				}
				p.wait(ns.DeadlineAt)
				return p, nil
			}
			if node.Kind == procedure.KindDependencyGate {
				p.begin("gate:pass:" + node.ID)
				e.complete(p, node, map[string]any{"satisfied": keys(result.Resolved)}, now)
				e.leave(p, graph, node, now)
				return p, nil
			}
		}

		switch node.Kind {
		case procedure.KindStart, procedure.KindDecision, procedure.KindDependencyGate:
			p.begin("node:" + string(node.Kind) + ":" + node.ID)
			e.complete(p, node, nil, now)
			e.leave(p, graph, node, now)
		case procedure.KindEnd:
			p.begin("execution:complete")
			e.complete(p, node, nil, now)
			p.next.Status = execution.StatusCompleted
			p.next.StatusReason = "reached " + node.ID
		case procedure.KindTerminal:
			p.begin("node:terminal:" + node.ID)
			e.fail(p, graph, node, failure(KindTerminalReached, "reached terminal node %s", node.ID), now)
		case procedure.KindHumanReview:
			p.begin("review:request:" + node.ID)
			waiting := p.next.Node(node.ID)
			waiting.Status = execution.NodeWaiting
			p.next.SetNode(node.ID, waiting)
			p.next.Status = execution.StatusWaitingExternal
			p.next.StatusReason = "awaiting review at " + node.ID
			p.emit(eventbridge.TypeReviewRequested, node.ID, map[string]any{"name": node.Name, "config": node.Config})
			p.log(logbook.LevelInfo, "%s awaiting review decision", node.ID)
			p.wait(waiting.DeadlineAt)
		case procedure.KindAction, procedure.KindExternal:
			e.invoke(ctx, p, graph, node, now)
		default:
			return nil, fmt.Errorf("engine: node %s has unsupported kind %q", node.ID, node.Kind)
		}
		return p, nil
	}
}

// invoke runs the node's handler once, or parks the pass until its retry
// backoff elapses.
func (e *Engine) invoke(ctx context.Context, p *pass, graph *procedure.Graph, node procedure.Node, now time.Time) {
	ns := p.base.Node(node.ID)
	if !ns.RetryAt.IsZero() && now.Before(ns.RetryAt) {
		if p.base.Status != execution.StatusRunning {
			p.begin("retry:wait:" + node.ID)
		}
		p.wait(ns.RetryAt, ns.DeadlineAt)
		return
	}
	h, err := e.handlers.Resolve(node.Handler)
	if err != nil {
		p.begin("node:invoke:" + node.ID)
		e.fail(p, graph, node, failure(KindHandlerNotFound, "%v", err), now)
		return
	}

	attempt := ns.Attempts + 1
	callCtx := ctx
	if !ns.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, ns.DeadlineAt)
		defer cancel()
	}
	result, callErr := h.Invoke(callCtx, handler.Request{
		ExecutionID: p.base.ID,
		OwnerID:     p.base.OwnerID,
		Graph:       p.base.Graph,
		Node:        node,
		Attempt:     attempt,
		Context:     execution.CloneMap(p.base.Context),
		Outputs:     cloneOutputs(p.base.Outputs()),
	})
	now = e.now()

	p.begin(fmt.Sprintf("node:invoke:%s#%d", node.ID, attempt))
	ns = p.next.Node(node.ID)
	ns.Attempts = attempt
	ns.RetryAt = time.Time{}
	if callErr != nil {
		result = handler.Failed(KindHandlerFailed, callErr.Error(), true)
	}
	if !result.Success && !result.Await && expired(ns, now) {
		p.next.SetNode(node.ID, ns)
		p.cancel = pendingChildren(&p.base, node)
		e.fail(p, graph, node, Failure{Kind: KindTimeout, Message: fmt.Sprintf("handler %s exceeded %s: %s", node.Handler, node.Timeout, result.Message), Retryable: true}, now)
		return
	}
	switch {
	case result.Await:
		ns.Status = execution.NodeWaiting
		if result.Output != nil {
			ns.Output = execution.CloneMap(result.Output)
		}
		p.next.SetNode(node.ID, ns)
		p.next.Status = execution.StatusWaitingExternal
		p.next.StatusReason = "awaiting integration result at " + node.ID
		p.log(logbook.LevelInfo, "%s awaiting integration result (attempt %d)", node.ID, attempt)
		p.wait(ns.DeadlineAt)
	case result.Success:
		p.next.SetNode(node.ID, ns)
		e.complete(p, node, result.Output, now)
		e.leave(p, graph, node, now)
	default:
		retry := e.applyHandlerFailure(node, &ns, result.ErrorKind, result.Message, result.Retryable, now)
		p.next.SetNode(node.ID, ns)
		if retry {
			p.log(logbook.LevelWarn, "%s attempt %d failed (%s): %s; retrying at %s", node.ID, attempt, ns.ErrorKind, ns.LastError, ns.RetryAt.Format(time.RFC3339))
			p.emit(eventbridge.TypeNodeFailed, node.ID, map[string]any{"kind": ns.ErrorKind, "message": ns.LastError, "attempt": attempt, "retry_at": ns.RetryAt})
			if ns.RetryAt.After(now) {
				p.wait(ns.RetryAt, ns.DeadlineAt)
			}
			return
		}
		e.fail(p, graph, node, Failure{Kind: ns.ErrorKind, Message: ns.LastError}, now)
	}
}

// applyHandlerFailure records a failed attempt. It reports true when the
// node stays active for another attempt.
func (e *Engine) applyHandlerFailure(node procedure.Node, ns *execution.NodeState, kind, message string, retryable bool, now time.Time) bool {
	if kind == "" {
		kind = KindHandlerFailed
	}
	if message == "" {
		message = "handler reported failure"
	}
	ns.ErrorKind = kind
	ns.LastError = message
	if retryable && ns.Attempts < maxAttempts(node) {
		ns.Status = execution.NodeActive
		ns.RetryAt = now.Add(node.Retry.Backoff(ns.Attempts, e.random()))
		return true
	}
	ns.Status = execution.NodeFailed
	ns.Exhausted = true
	if retryable {
		ns.ErrorKind = KindRetriesExhausted
		ns.LastError = fmt.Sprintf("%s after %d attempts: %s", kind, ns.Attempts, message)
	}
	return false
}

// enter makes id the current node.
func (e *Engine) enter(p *pass, graph *procedure.Graph, id string, now time.Time) {
	node, _ := graph.Node(id)
	ns := p.next.Node(id)
	ns.Status = execution.NodeActive
	ns.EnteredAt = now
	ns.CompletedAt = time.Time{}
	ns.RetryAt = time.Time{}
	ns.DeadlineAt = time.Time{}
	ns.Exhausted = false
	if node.Timeout > 0 {
		ns.DeadlineAt = now.Add(node.Timeout)
	}
	if node.Kind == procedure.KindDependencyGate {
		ns.Attempts++
	}
	p.next.SetNode(id, ns)
	p.next.CurrentNode = id
	p.next.Status = execution.StatusRunning
	p.next.StatusReason = ""
	p.log(logbook.LevelInfo, "entered %s (%s)", id, node.Kind)
}

func (e *Engine) complete(p *pass, node procedure.Node, output map[string]any, now time.Time) {
	ns := p.next.Node(node.ID)
	ns.Status = execution.NodeCompleted
	ns.CompletedAt = now
	ns.RetryAt = time.Time{}
	if output != nil {
		ns.Output = execution.CloneMap(output)
	}
	p.next.SetNode(node.ID, ns)
	p.emit(eventbridge.TypeNodeCompleted, node.ID, map[string]any{"output": ns.Output})
	p.log(logbook.LevelInfo, "completed %s", node.ID)
}

// leave follows the first satisfied forward edge of a completed node.
func (e *Engine) leave(p *pass, graph *procedure.Graph, node procedure.Node, now time.Time) {
	ns := p.next.Node(node.ID)
	var evalErrs []string
	for _, edge := range graph.Outgoing(node.ID) {
		if edge.Recovery || edge.SelfLoop() {
			continue
		}
		ok, err := e.match(edge, &p.next, node, ns)
		if err != nil {
			evalErrs = append(evalErrs, fmt.Sprintf("%s -> %s: %v", edge.From, edge.To, err))
			continue
		}
		if ok {
			e.enter(p, graph, edge.To, now)
			return
		}
	}
	message := "no outgoing edge condition matched"
	if len(evalErrs) > 0 {
		message += " (" + strings.Join(evalErrs, "; ") + ")"
	}
	e.fail(p, graph, node, Failure{Kind: KindNoMatchingEdge, Message: message}, now)
}

// fail marks node failed and takes the first satisfied recovery edge in
// priority order. With none the execution fails.
func (e *Engine) fail(p *pass, graph *procedure.Graph, node procedure.Node, f Failure, now time.Time) {
	if f.Kind == "" {
		f.Kind = KindHandlerFailed
	}
	ns := p.next.Node(node.ID)
	ns.Status = execution.NodeFailed
	ns.ErrorKind = f.Kind
	ns.LastError = f.Message
	ns.CompletedAt = now
	ns.RetryAt = time.Time{}
	ns.Exhausted = ns.Exhausted || !f.Retryable

	var recovery []procedure.Edge
	for _, edge := range graph.Outgoing(node.ID) {
		if edge.Recovery || edge.RetryLoop {
			recovery = append(recovery, edge)
		}
	}
	ns.RecoveryOptions = make([]string, 0, len(recovery))
	for _, edge := range recovery {
		ns.RecoveryOptions = append(ns.RecoveryOptions, edge.To)
	}
	if len(ns.RecoveryOptions) == 0 {
		ns.RecoveryOptions = nil
	}
	p.next.SetNode(node.ID, ns)
	p.emit(eventbridge.TypeNodeFailed, node.ID, map[string]any{"kind": f.Kind, "message": f.Message, "recovery_options": ns.RecoveryOptions})
	p.log(logbook.LevelWarn, "%s failed: %s", node.ID, f.Error())

	for _, edge := range recovery {
		if edge.SelfLoop() && (ns.Exhausted || ns.Attempts >= maxAttempts(node)) {
			continue
		}
		ok, err := e.match(edge, &p.next, node, ns)
		if err != nil || !ok {
			continue
		}
		if edge.SelfLoop() && node.Kind == procedure.KindDependencyGate {
			resolver.Reset(&p.next, node.ID)
		}
		p.log(logbook.LevelInfo, "%s recovering via %s", node.ID, edge.To)
		e.enter(p, graph, edge.To, now)
		return
	}

	p.next.Status = execution.StatusFailed
	p.next.StatusReason = fmt.Sprintf("%s: %s", node.ID, f.Error())
	if len(ns.RecoveryOptions) > 0 {
		p.next.StatusReason += "; recovery options exhausted: " + strings.Join(ns.RecoveryOptions, ", ")
	}
}

func (e *Engine) match(edge procedure.Edge, state *execution.State, node procedure.Node, ns execution.NodeState) (bool, error) {
	expr, err := e.compile(edge.Condition)
	if err != nil {
		return false, err
	}
	if expr.Unconditional() {
		return true, nil
	}
	return expr.Eval(condition.Scope{
		Context: state.Context,
		Output:  ns.Output,
		Nodes:   state.Outputs(),
		Node:    condition.NodeInfo{ID: node.ID, Attempts: ns.Attempts, Status: string(ns.Status)},
	})
}

func (e *Engine) noteLaunches(state *execution.State, node procedure.Node, result resolver.Result) {
	for _, res := range result.Unresolved {
		if !res.Launched {
			continue
		}
		e.journal.Info(state.ID, "%s launched dependency %s as %s", node.ID, res.Graph, res.ChildID)
		e.logger.Info("engine: dependency launched", "execution_id", state.ID, "node", node.ID, "graph", res.Graph.String(), "child_id", res.ChildID)
		e.publish(e.event(eventbridge.TypeDependencyStarted, state, node.ID, map[string]any{
			"key":      res.Key,
			"graph":    res.Graph.String(),
			"child_id": res.ChildID,
		}))
	}
}

func entryNode(graph *procedure.Graph) string {
	if graph.Entry != "" {
		return graph.Entry
	}
	for _, node := range graph.Nodes {
		if node.Kind == procedure.KindStart {
			return node.ID
		}
	}
	return ""
}

func expired(ns execution.NodeState, now time.Time) bool {
	if ns.DeadlineAt.IsZero() {
		return false
	}
	if ns.Status != execution.NodeActive && ns.Status != execution.NodeWaiting {
		return false
	}
	return !now.Before(ns.DeadlineAt)
}

func maxAttempts(node procedure.Node) int {
	if node.Retry.MaxAttempts < 1 {
		return 1
	}
	return node.Retry.MaxAttempts
}

// pendingChildren lists child executions still resolving node's
// dependencies.
func pendingChildren(state *execution.State, node procedure.Node) []string {
	fresh := node.Kind == procedure.KindDependencyGate
	var out []string
	for _, ref := range node.Dependencies {
		record, ok := state.Dependencies[resolver.RecordKey(node.ID, ref, fresh)]
		if ok && record.Status == execution.DependencyPending && record.ChildID != "" {
			out = append(out, record.ChildID)
		}
	}
	return out
}

func describeResolution(res resolver.Resolution) string {
	message := res.Reason
	if message == "" {
		message = fmt.Sprintf("dependency %s could not be resolved", res.Key)
	}
	if len(res.Attempted) > 0 {
		message += "; attempted: " + strings.Join(res.Attempted, ", ")
	}
	return message
}

func keys(resolutions []resolver.Resolution) []string {
	out := make([]string, len(resolutions))
	for i, res := range resolutions {
		out[i] = res.Key
	}
	return out
}

func cloneOutputs(outputs map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(outputs))
	for id, output := range outputs {
		out[id] = execution.CloneMap(output)
	}
	return out
}
