package engine

import (
	"errors"
	"net/http"
	"testing"

	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/handler"
	"github.com/kingrea/pathway/internal/procedure"
)

func reviewGraph() procedure.Graph {
	return procedure.Graph{
		ID:      "review",
		Version: 1,
		Nodes: []procedure.Node{
			{ID: "start", Kind: procedure.KindStart},
			{ID: "assess", Kind: procedure.KindHumanReview, Name: "Assess application"},
			{ID: "done", Kind: procedure.KindEnd},
		},
		Edges: []procedure.Edge{
			{From: "start", To: "assess"},
			{From: "assess", To: "done"},
		},
	}
}

func awaitGraph(id string, version int, node string, retry procedure.RetryPolicy) procedure.Graph {
	return procedure.Graph{
		ID:      id,
		Version: version,
		Nodes: []procedure.Node{
			{ID: "start", Kind: procedure.KindStart},
			{ID: node, Kind: procedure.KindExternal, Handler: handler.BuiltinAwait, Retry: retry},
			{ID: "done", Kind: procedure.KindEnd},
		},
		Edges: []procedure.Edge{
			{From: "start", To: node},
			{From: node, To: "done"},
		},
	}
}

func TestReviewApprovalResumesExecution(t *testing.T) {
	h := newHarness(t, reviewGraph())
	id := h.start(t, "review", "citizen-1", nil)
	h.drain(t)

	state := h.get(t, id)
	if state.Status != execution.StatusWaitingExternal || state.Node("assess").Status != execution.NodeWaiting {
		t.Fatalf("expected review wait, got %s %+v", state.Status, state.Node("assess"))
	}
	if _, ok := h.events.find(eventbridge.TypeReviewRequested, id); !ok {
		t.Fatalf("review.requested was not published")
	}

	req := DecisionRequest{ExecutionID: id, NodeID: "assess", Decision: "maybe", ExpectedVersion: state.Version}
	if _, err := h.engine.SubmitDecision(h.ctx, req); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	req.Decision = "approve"
	req.ExpectedVersion = state.Version - 1
	if _, err := h.engine.SubmitDecision(h.ctx, req); !errors.Is(err, execution.ErrConflict) {
		t.Fatalf("stale decision should conflict, got %v", err)
	}
	if _, err := h.engine.SubmitDecision(h.ctx, DecisionRequest{ExecutionID: id, NodeID: "start", Decision: "approve", ExpectedVersion: state.Version}); !errors.Is(err, ErrNotAwaitingInput) {
		t.Fatalf("decision on a non-review node should be refused, got %v", err)
	}

	req.ExpectedVersion = state.Version
	req.Notes = "documents verified"
	resumed, err := h.engine.SubmitDecision(h.ctx, req)
	if err != nil {
		t.Fatalf("submit decision: %v", err)
	}
	if resumed.Status != execution.StatusRunning || resumed.Version != state.Version+1 {
		t.Fatalf("decision should resume at the next version, got %s v%d", resumed.Status, resumed.Version)
	}
	if _, err := h.engine.SubmitDecision(h.ctx, req); err == nil {
		t.Fatalf("replaying a decision must fail")
	}
	h.drain(t)

	state = h.get(t, id)
	assess := state.Node("assess")
	if state.Status != execution.StatusCompleted || assess.Output["decision"] != DecisionApprove || assess.Output["notes"] != "documents verified" {
		t.Fatalf("unexpected final state %s %+v", state.Status, assess)
	}
}

func TestReviewRejectionFailsNode(t *testing.T) {
	h := newHarness(t, reviewGraph())
	id := h.start(t, "review", "citizen-1", nil)
	h.drain(t)
	state := h.get(t, id)
	if _, err := h.engine.SubmitDecision(h.ctx, DecisionRequest{ExecutionID: id, NodeID: "assess", Decision: "Rejected", ExpectedVersion: state.Version}); err != nil {
		t.Fatalf("submit rejection: %v", err)
	}
	h.drain(t)
	state = h.get(t, id)
	assess := state.Node("assess")
	if state.Status != execution.StatusFailed || assess.ErrorKind != KindReviewRejected || !assess.Exhausted {
		t.Fatalf("expected review rejection, got %s %+v", state.Status, assess)
	}
}

func TestNormalizeDecision(t *testing.T) {
	cases := map[string]string{
		"approve":           DecisionApprove,
		" APPROVED ":        DecisionApprove,
		"reject":            DecisionReject,
		"request_more_info": DecisionRequestMoreInfo,
	}
	for raw, want := range cases {
		got, err := NormalizeDecision(raw)
		if err != nil || got != want {
			t.Fatalf("NormalizeDecision(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := NormalizeDecision("defer"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
}

func TestIntegrationResultRetriesThenExhausts(t *testing.T) {
	h := newHarness(t, awaitGraph("lodgement", 1, "lodge", procedure.RetryPolicy{MaxAttempts: 2}))
	id := h.start(t, "lodgement", "citizen-1", nil)
	h.drain(t)

	state := h.get(t, id)
	if state.Node("lodge").Status != execution.NodeWaiting || state.Node("lodge").Output["awaiting"] != "lodge" {
		t.Fatalf("expected parked lodge node, got %+v", state.Node("lodge"))
	}
	failure := IntegrationResult{ExecutionID: id, NodeID: "lodge", ExpectedVersion: state.Version, Message: "upstream timeout", Retryable: true}
	if _, err := h.engine.SubmitIntegrationResult(h.ctx, failure); err != nil {
		t.Fatalf("submit failure: %v", err)
	}
	h.drain(t)

	state = h.get(t, id)
	lodge := state.Node("lodge")
	if state.Status != execution.StatusWaitingExternal || lodge.Attempts != 2 {
		t.Fatalf("retryable result should re-invoke the handler, got %s %+v", state.Status, lodge)
	}
	failure.ExpectedVersion = state.Version
	if _, err := h.engine.SubmitIntegrationResult(h.ctx, failure); err != nil {
		t.Fatalf("submit second failure: %v", err)
	}
	h.drain(t)
	state = h.get(t, id)
	if state.Status != execution.StatusFailed || state.Node("lodge").ErrorKind != KindRetriesExhausted {
		t.Fatalf("expected exhausted retries, got %s %+v", state.Status, state.Node("lodge"))
	}
}

func TestIntegrationSuccessMergesOutput(t *testing.T) {
	h := newHarness(t, awaitGraph("lodgement", 1, "lodge", procedure.RetryPolicy{}))
	id := h.start(t, "lodgement", "citizen-1", nil)
	h.drain(t)
	state := h.get(t, id)
	if _, err := h.engine.SubmitIntegrationResult(h.ctx, IntegrationResult{
		ExecutionID:     id,
		NodeID:          "lodge",
		ExpectedVersion: state.Version,
		Success:         true,
		Output:          map[string]any{"reference": "R-1001"},
	}); err != nil {
		t.Fatalf("submit success: %v", err)
	}
	h.drain(t)
	state = h.get(t, id)
	lodge := state.Node("lodge")
	if state.Status != execution.StatusCompleted || lodge.Output["reference"] != "R-1001" || lodge.Output["awaiting"] != "lodge" {
		t.Fatalf("unexpected result %s %+v", state.Status, lodge)
	}
}

func TestCancelStopsExecutionAndChildren(t *testing.T) {
	h := newHarness(t,
		dependentGraph(procedure.DependencyRef{Graph: "identity", Required: true}),
		awaitGraph("identity", 1, "verify", procedure.RetryPolicy{}),
	)
	id := h.start(t, "permit", "citizen-1", nil)
	h.drain(t)
	parent := h.get(t, id)
	if parent.Status != execution.StatusWaitingOnDependency || len(parent.ChildIDs) != 1 {
		t.Fatalf("expected parent waiting on one child, got %s %v", parent.Status, parent.ChildIDs)
	}
	childID := parent.ChildIDs[0]
	if child := h.get(t, childID); child.Status != execution.StatusWaitingExternal {
		t.Fatalf("child should be parked, got %s", child.Status)
	}

	if err := h.engine.Cancel(h.ctx, id, "application withdrawn"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	parent = h.get(t, id)
	if parent.Status != execution.StatusCancelled || parent.StatusReason != "application withdrawn" || parent.Node("issue").Status != execution.NodeSkipped {
		t.Fatalf("unexpected cancelled parent %s %q %+v", parent.Status, parent.StatusReason, parent.Node("issue"))
	}
	if child := h.get(t, childID); child.Status != execution.StatusCancelled {
		t.Fatalf("child should be cancelled with its parent, got %s", child.Status)
	}
	version := parent.Version
	if err := h.engine.Cancel(h.ctx, id, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if h.get(t, id).Version != version {
		t.Fatalf("cancelling a terminal execution must not change it")
	}
	h.drain(t)
	if h.get(t, id).Status != execution.StatusCancelled {
		t.Fatalf("cancelled execution must stay cancelled")
	}
	if h.events.count(eventbridge.TypeExecutionCancelled, id) != 1 || h.events.count(eventbridge.TypeExecutionCancelled, childID) != 1 {
		t.Fatalf("expected one execution.cancelled event each")
	}
	if err := h.engine.Cancel(h.ctx, "missing", ""); !errors.Is(err, execution.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRollbackRestoresCheckpoint(t *testing.T) {
	h := newHarness(t, reviewGraph())
	id := h.start(t, "review", "citizen-1", nil)
	h.drain(t)
	state := h.get(t, id)
	if _, err := h.engine.SubmitDecision(h.ctx, DecisionRequest{ExecutionID: id, NodeID: "assess", Decision: DecisionApprove, ExpectedVersion: state.Version}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.drain(t)
	state = h.get(t, id)
	if state.Status != execution.StatusCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	var target execution.Checkpoint
	for _, cp := range state.Checkpoints {
		if cp.Snapshot.Status == execution.StatusWaitingExternal {
			target = cp
		}
	}
	if target.ID == "" {
		t.Fatalf("no checkpoint captured the review wait")
	}

	restored, err := h.engine.Rollback(h.ctx, id, target.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored.Status != execution.StatusWaitingExternal || restored.CurrentNode != "assess" || restored.Version != state.Version+1 {
		t.Fatalf("unexpected restored state %s at %s v%d", restored.Status, restored.CurrentNode, restored.Version)
	}
	if _, err := h.engine.Rollback(h.ctx, id, "unknown"); !errors.Is(err, execution.ErrInvalidCheckpoint) {
		t.Fatalf("expected invalid checkpoint, got %v", err)
	}
	h.drain(t)
	if _, err := h.engine.SubmitDecision(h.ctx, DecisionRequest{ExecutionID: id, NodeID: "assess", Decision: DecisionReject, ExpectedVersion: restored.Version}); err != nil {
		t.Fatalf("decide after rollback: %v", err)
	}
	h.drain(t)
	if state := h.get(t, id); state.Status != execution.StatusFailed {
		t.Fatalf("second decision should take effect, got %s", state.Status)
	}
}

func TestMigrateMovesExecutionToNewVersion(t *testing.T) {
	h := newHarness(t,
		awaitGraph("licence", 1, "collect", procedure.RetryPolicy{}),
		awaitGraph("licence", 2, "gather", procedure.RetryPolicy{}),
	)
	started, err := h.engine.Start(h.ctx, StartRequest{Graph: procedure.GraphRef{ID: "licence", Version: 1}, OwnerID: "citizen-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := started.ID
	h.drain(t)
	state := h.get(t, id)
	if state.Graph.Version != 1 || state.CurrentNode != "collect" {
		t.Fatalf("expected v1 at collect, got %s at %s", state.Graph, state.CurrentNode)
	}

	invalid := []MigrationRequest{
		{ExecutionID: id, Target: procedure.GraphRef{ID: "permit", Version: 1}},
		{ExecutionID: id, Target: procedure.GraphRef{ID: "licence", Version: 1}},
		{ExecutionID: id, Target: procedure.GraphRef{ID: "licence", Version: 2}},
		{ExecutionID: id, Target: procedure.GraphRef{ID: "licence", Version: 2}, NodeMapping: map[string]string{"collect": "missing"}},
		{ExecutionID: id, Target: procedure.GraphRef{ID: "licence", Version: 2}, NodeMapping: map[string]string{"collect": ""}},
	}
	for i, req := range invalid {
		if _, err := h.engine.Migrate(h.ctx, req); !errors.Is(err, ErrInvalidMigration) {
			t.Fatalf("case %d: expected invalid migration, got %v", i, err)
		}
	}
	if h.get(t, id).Version != state.Version {
		t.Fatalf("rejected migrations must not change the execution")
	}

	migrated, err := h.engine.Migrate(h.ctx, MigrationRequest{
		ExecutionID:     id,
		ExpectedVersion: state.Version,
		Target:          procedure.GraphRef{ID: "licence", Version: 2},
		NodeMapping:     map[string]string{"collect": "gather"},
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrated.Graph.String() != "licence@v2" || migrated.CurrentNode != "gather" || migrated.Node("gather").Status != execution.NodeWaiting {
		t.Fatalf("unexpected migrated state %s at %s %+v", migrated.Graph, migrated.CurrentNode, migrated.Node("gather"))
	}
	if _, ok := migrated.Nodes["collect"]; ok {
		t.Fatalf("old node ids should be remapped")
	}
	h.drain(t)
	if _, err := h.engine.SubmitIntegrationResult(h.ctx, IntegrationResult{ExecutionID: id, NodeID: "gather", ExpectedVersion: h.get(t, id).Version, Success: true}); err != nil {
		t.Fatalf("submit on migrated node: %v", err)
	}
	h.drain(t)
	if state := h.get(t, id); state.Status != execution.StatusCompleted {
		t.Fatalf("migrated execution should complete, got %s (%s)", state.Status, state.StatusReason)
	}
}

func rejectStatus(t *testing.T, err error) int {
	t.Helper()
	var reject *eventbridge.RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("expected a reject error, got %v", err)
	}
	return reject.Status
}

func TestIntakeMapsEventsAndErrors(t *testing.T) {
	h := newHarness(t, reviewGraph())
	id := h.start(t, "review", "citizen-1", nil)
	other := h.start(t, "review", "citizen-2", nil)
	h.drain(t)
	state := h.get(t, id)

	decision := func(executionID, value string, version int64) eventbridge.Event {
		return eventbridge.Event{
			Version:      eventbridge.EventSchemaVersion,
			EventID:      "evt-" + executionID + "-" + value,
			Type:         eventbridge.TypeReviewDecision,
			ExecutionID:  executionID,
			NodeID:       "assess",
			StateVersion: version,
		}.WithPayload(eventbridge.DecisionPayload{Decision: value})
	}

	if got := rejectStatus(t, h.engine.HandleEvent(decision("missing", "approve", 1))); got != http.StatusNotFound {
		t.Fatalf("unknown execution: status %d", got)
	}
	if got := rejectStatus(t, h.engine.HandleEvent(decision(id, "approve", state.Version-1))); got != http.StatusConflict {
		t.Fatalf("stale version: status %d", got)
	}
	if got := rejectStatus(t, h.engine.HandleEvent(decision(id, "perhaps", state.Version))); got != http.StatusBadRequest {
		t.Fatalf("invalid decision: status %d", got)
	}
	unsupported := eventbridge.Event{Version: eventbridge.EventSchemaVersion, EventID: "evt-x", Type: eventbridge.TypeExecutionStarted, ExecutionID: id}
	if got := rejectStatus(t, h.engine.HandleEvent(unsupported)); got != http.StatusBadRequest {
		t.Fatalf("unsupported type: status %d", got)
	}

	if err := h.engine.HandleEvent(decision(id, "approve", state.Version)); err != nil {
		t.Fatalf("valid decision: %v", err)
	}
	cancel := eventbridge.Event{
		Version:     eventbridge.EventSchemaVersion,
		EventID:     "evt-cancel",
		Type:        eventbridge.TypeExecutionCancel,
		ExecutionID: other,
	}.WithPayload(eventbridge.CancelPayload{Reason: "duplicate application"})
	if err := h.engine.HandleEvent(cancel); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	h.drain(t)
	if state := h.get(t, id); state.Status != execution.StatusCompleted {
		t.Fatalf("decision via intake should complete, got %s", state.Status)
	}
	if state := h.get(t, other); state.Status != execution.StatusCancelled || state.StatusReason != "duplicate application" {
		t.Fatalf("cancel via intake: %s %q", state.Status, state.StatusReason)
	}
}
