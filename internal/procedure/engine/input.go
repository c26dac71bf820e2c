package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

// Review decisions accepted by SubmitDecision.
const (
	DecisionApprove         = "approve"
	DecisionReject          = "reject"
	DecisionRequestMoreInfo = "request-more-info"
)

// DecisionRequest resumes a human-review node. ExpectedVersion must be the
// version the reviewer looked at.
type DecisionRequest struct {
	ExecutionID     string
	NodeID          string
	Decision        string
	Notes           string
	ExpectedVersion int64
}

// IntegrationResult resumes an action node whose handler asked to wait for
// an external system.
type IntegrationResult struct {
	ExecutionID     string
	NodeID          string
	ExpectedVersion int64
	Success         bool
	Output          map[string]any
	ErrorKind       string
	Message         string
	Retryable       bool
}

// MigrationRequest moves an active execution to another version of its
// graph. NodeMapping renames node ids; ids absent from the mapping keep
// their name, and an empty target drops the node's state.
type MigrationRequest struct {
	ExecutionID     string
	ExpectedVersion int64
	Target          procedure.GraphRef
	NodeMapping     map[string]string
}

// NormalizeDecision canonicalises a decision string.
func NormalizeDecision(raw string) (string, error) {
	decision := strings.ToLower(strings.TrimSpace(raw))
	decision = strings.ReplaceAll(decision, "_", "-")
	switch decision {
	case DecisionApprove, DecisionReject, DecisionRequestMoreInfo:
		return decision, nil
	case "approved":
		return DecisionApprove, nil
	case "rejected":
		return DecisionReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// SubmitDecision records a review decision. Approve and request-more-info
// complete the node with output {decision, notes}; reject fails it with
// ReviewRejected. Routing happens on the next pass.
func (e *Engine) SubmitDecision(ctx context.Context, req DecisionRequest) (execution.State, error) {
	decision, err := NormalizeDecision(req.Decision)
	if err != nil {
		return execution.State{}, err
	}
	if req.ExpectedVersion <= 0 {
		return execution.State{}, fmt.Errorf("engine: submit decision: expected version is required")
	}
	node, err := e.inputNode(ctx, req.ExecutionID, req.NodeID, func(n procedure.Node) bool {
		return n.Kind == procedure.KindHumanReview
	})
	if err != nil {
		return execution.State{}, err
	}
	now := e.now()
	_, err = e.store.ApplyTransition(ctx, req.ExecutionID, req.ExpectedVersion, execution.Transition{
		CausedBy: "review:" + decision + ":" + node.ID,
		Mutate: func(s *execution.State) error {
			if err := awaitingInput(s, node.ID); err != nil {
				return err
			}
			ns := s.Node(node.ID)
			ns.Output = map[string]any{
				"decision":   decision,
				"notes":      req.Notes,
				"decided_at": now.Format(time.RFC3339),
			}
			ns.CompletedAt = now
			if decision == DecisionReject {
				ns.Status = execution.NodeFailed
				ns.ErrorKind = KindReviewRejected
				ns.LastError = "review rejected"
				if req.Notes != "" {
					ns.LastError += ": " + req.Notes
				}
				ns.Exhausted = true
			} else {
				ns.Status = execution.NodeCompleted
			}
			s.SetNode(node.ID, ns)
			s.Status = execution.StatusRunning
			s.StatusReason = ""
			return nil
		},
	})
	if err != nil {
		return execution.State{}, fmt.Errorf("engine: submit decision %s: %w", req.ExecutionID, err)
	}
	e.journal.Info(req.ExecutionID, "review decision %s at %s", decision, node.ID)
	e.logger.Info("engine: review decision", "execution_id", req.ExecutionID, "node", node.ID, "decision", decision)
	e.queue.Enqueue(req.ExecutionID)
	return e.store.Get(ctx, req.ExecutionID)
}

// SubmitIntegrationResult resumes an action node parked by its handler. A
// retryable failure with attempts left re-arms the node for another
// invocation after backoff.
func (e *Engine) SubmitIntegrationResult(ctx context.Context, res IntegrationResult) (execution.State, error) {
	if res.ExpectedVersion <= 0 {
		return execution.State{}, fmt.Errorf("engine: submit integration result: expected version is required")
	}
	node, err := e.inputNode(ctx, res.ExecutionID, res.NodeID, func(n procedure.Node) bool {
		return n.Kind.InvokesHandler()
	})
	if err != nil {
		return execution.State{}, err
	}
	now := e.now()
	outcome := "succeeded"
	_, err = e.store.ApplyTransition(ctx, res.ExecutionID, res.ExpectedVersion, execution.Transition{
		CausedBy: "integration:" + node.ID,
		Mutate: func(s *execution.State) error {
			if err := awaitingInput(s, node.ID); err != nil {
				return err
			}
			ns := s.Node(node.ID)
			if res.Success {
				output := execution.CloneMap(ns.Output)
				if output == nil {
					output = map[string]any{}
				}
				for key, value := range res.Output {
					output[key] = value
				}
				ns.Output = output
				ns.Status = execution.NodeCompleted
				ns.CompletedAt = now
			} else {
				kind := res.ErrorKind
				if kind == "" {
					kind = KindIntegrationFailed
				}
				outcome = "failed"
				if e.applyHandlerFailure(node, &ns, kind, res.Message, res.Retryable, now) {
					outcome = "failed, retrying"
				}
			}
			s.SetNode(node.ID, ns)
			s.Status = execution.StatusRunning
			s.StatusReason = ""
			return nil
		},
	})
	if err != nil {
		return execution.State{}, fmt.Errorf("engine: submit integration result %s: %w", res.ExecutionID, err)
	}
	e.journal.Info(res.ExecutionID, "integration result for %s: %s", node.ID, outcome)
	e.queue.Enqueue(res.ExecutionID)
	return e.store.Get(ctx, res.ExecutionID)
}

func (e *Engine) inputNode(ctx context.Context, executionID, nodeID string, accept func(procedure.Node) bool) (procedure.Node, error) {
	state, err := e.store.Get(ctx, executionID)
	if err != nil {
		return procedure.Node{}, err
	}
	graph, err := e.graph(state.Graph)
	if err != nil {
		return procedure.Node{}, err
	}
	node, ok := graph.Node(nodeID)
	if !ok || !accept(node) {
		return procedure.Node{}, fmt.Errorf("%w: %s has no such input node %q", ErrNotAwaitingInput, executionID, nodeID)
	}
	return node, nil
}

func awaitingInput(s *execution.State, nodeID string) error {
	if s.Status != execution.StatusWaitingExternal || s.CurrentNode != nodeID || s.Node(nodeID).Status != execution.NodeWaiting {
		return fmt.Errorf("%w: %s is %s at node %q", ErrNotAwaitingInput, s.ID, s.Status, s.CurrentNode)
	}
	return nil
}

// Cancel stops an execution and every child it launched that is still
// running. Cancelling a terminal execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	for attempt := 0; ; attempt++ {
		state, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			return nil
		}
		version, err := e.store.ApplyTransition(ctx, id, state.Version, execution.Transition{
			CausedBy: "execution:cancel",
			Mutate: func(s *execution.State) error {
				s.Status = execution.StatusCancelled
				s.StatusReason = reason
				if s.CurrentNode != "" {
					ns := s.Node(s.CurrentNode)
					if ns.Status == execution.NodeActive || ns.Status == execution.NodeWaiting || ns.Status == execution.NodePending {
						ns.Status = execution.NodeSkipped
						ns.RetryAt = time.Time{}
						ns.LastError = "cancelled: " + reason
						s.SetNode(s.CurrentNode, ns)
					}
				}
				return nil
			},
		})
		if errors.Is(err, execution.ErrConflict) && attempt < e.retries {
			continue
		}
		if err != nil {
			return fmt.Errorf("engine: cancel %s: %w", id, err)
		}
		state.Status = execution.StatusCancelled
		state.StatusReason = reason
		state.Version = version
		e.journal.Warn(id, "cancelled: %s", reason)
		e.cancelChildren(ctx, &state, fmt.Sprintf("parent %s cancelled", id))
		e.terminal(ctx, &state)
		return nil
	}
}

// Rollback restores a checkpoint and requeues the execution when the
// restored state is still active.
func (e *Engine) Rollback(ctx context.Context, id, checkpointID string) (execution.State, error) {
	if err := e.store.Rollback(ctx, id, checkpointID); err != nil {
		return execution.State{}, fmt.Errorf("engine: rollback %s: %w", id, err)
	}
	state, err := e.store.Get(ctx, id)
	if err != nil {
		return execution.State{}, err
	}
	e.journal.Warn(id, "rolled back to checkpoint %s (node %s, %s)", checkpointID, state.CurrentNode, state.Status)
	e.logger.Info("engine: rollback", "execution_id", id, "checkpoint_id", checkpointID, "status", string(state.Status))
	if !state.Status.Terminal() {
		e.queue.Enqueue(id)
	}
	return state, nil
}

// Migrate re-pins an active execution to another version of its graph. The
// mapping is validated against the target before anything is committed.
func (e *Engine) Migrate(ctx context.Context, req MigrationRequest) (execution.State, error) {
	state, err := e.store.Get(ctx, req.ExecutionID)
	if err != nil {
		return execution.State{}, err
	}
	if state.Status.Terminal() {
		return execution.State{}, fmt.Errorf("%w: %s is %s", ErrInvalidMigration, state.ID, state.Status)
	}
	target := req.Target
	if target.ID == "" {
		target.ID = state.Graph.ID
	}
	if target.ID != state.Graph.ID {
		return execution.State{}, fmt.Errorf("%w: cannot move %s from %s to another graph %s", ErrInvalidMigration, state.ID, state.Graph.ID, target.ID)
	}
	graph, err := e.graph(target)
	if err != nil {
		return execution.State{}, err
	}
	if graph.Ref() == state.Graph {
		return execution.State{}, fmt.Errorf("%w: %s already runs %s", ErrInvalidMigration, state.ID, state.Graph)
	}
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = state.Version
	}
	from := state.Graph
	_, err = e.store.ApplyTransition(ctx, state.ID, expected, execution.Transition{
		CausedBy: "migration:" + from.String() + "->" + graph.Ref().String(),
		Mutate: func(s *execution.State) error {
			if s.Status.Terminal() {
				return fmt.Errorf("%w: %s is %s", ErrInvalidMigration, s.ID, s.Status)
			}
			return remap(s, graph, req.NodeMapping)
		},
	})
	if err != nil {
		return execution.State{}, fmt.Errorf("engine: migrate %s: %w", state.ID, err)
	}
	e.journal.Warn(state.ID, "migrated from %s to %s", from, graph.Ref())
	e.logger.Info("engine: migrated", "execution_id", state.ID, "from", from.String(), "to", graph.Ref().String())
	e.queue.Enqueue(state.ID)
	return e.store.Get(ctx, state.ID)
}

func remap(s *execution.State, target *procedure.Graph, mapping map[string]string) error {
	for from, to := range mapping {
		if to == "" {
			continue
		}
		if _, ok := target.Node(to); !ok {
			return fmt.Errorf("%w: mapping %s -> %s names a node missing from %s", ErrInvalidMigration, from, to, target.Ref())
		}
	}
	rename := func(id string) (string, bool) {
		if to, ok := mapping[id]; ok {
			return to, to != ""
		}
		return id, true
	}
	if s.CurrentNode != "" {
		to, keep := rename(s.CurrentNode)
		if !keep {
			return fmt.Errorf("%w: current node %s cannot be dropped", ErrInvalidMigration, s.CurrentNode)
		}
		if _, ok := target.Node(to); !ok {
			return fmt.Errorf("%w: current node %s has no counterpart in %s", ErrInvalidMigration, s.CurrentNode, target.Ref())
		}
		s.CurrentNode = to
	}
	nodes := make(map[string]execution.NodeState, len(s.Nodes))
	for id, ns := range s.Nodes {
		to, keep := rename(id)
		if !keep {
			continue
		}
		if _, ok := target.Node(to); !ok {
			continue
		}
		nodes[to] = ns
	}
	s.Nodes = nodes
	s.Graph = target.Ref()
	return nil
}
