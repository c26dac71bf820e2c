package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

func failedState() execution.State {
	return execution.State{
		ID:           "exec-1",
		Graph:        procedure.GraphRef{ID: "permit", Version: 2},
		OwnerID:      "citizen-1",
		CurrentNode:  "verify",
		Status:       execution.StatusFailed,
		StatusReason: "verify: retries exhausted",
		Version:      7,
		Nodes: map[string]execution.NodeState{
			"verify": {Status: execution.NodeFailed, ErrorKind: "RetriesExhausted", RecoveryOptions: []string{"manual"}},
		},
		Checkpoints: []execution.Checkpoint{{ID: "cp-1", ExecutionID: "exec-1", Sequence: 1}},
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	raised := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	report := NewReport(failedState(), raised)
	if report.ErrorKind != "RetriesExhausted" || report.Graph != "permit@v2" {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Checkpoints) != 1 || report.State.Checkpoints != nil {
		t.Fatalf("checkpoints should move to the report root: %+v", report)
	}
	if err := sink.Raise(context.Background(), report); err != nil {
		t.Fatalf("raise: %v", err)
	}
	loaded, err := sink.Load("exec-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Reason != report.Reason || !loaded.RaisedAt.Equal(raised) || loaded.State.Version != 7 {
		t.Fatalf("unexpected loaded report %+v", loaded)
	}
	reports, err := sink.List()
	if err != nil || len(reports) != 1 {
		t.Fatalf("list = %v, %v", reports, err)
	}
	if _, err := sink.Load("missing"); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
}

func TestWatchForwardsEscalations(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	router := eventbridge.NewRouter()
	router.Publish(Event(NewReport(failedState(), time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, router, sink, nil) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := sink.Load("exec-1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("escalation was not written")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestFromEventRejectsOtherTypes(t *testing.T) {
	if _, err := FromEvent(eventbridge.Event{Type: eventbridge.TypeExecutionCompleted}); err == nil {
		t.Fatalf("expected type error")
	}
}
