// Package storetest holds the conformance suite every execution.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T, opts ...execution.Option) execution.Store

var permit = procedure.GraphRef{ID: "permit", Version: 1}

// Run executes the suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateValidatesRequest", testCreateValidatesRequest},
		{"DuplicateExecution", testDuplicateExecution},
		{"CreateIsIdempotentByID", testCreateIdempotentByID},
		{"GetMissing", testGetMissing},
		{"VersionMonotonicity", testVersionMonotonicity},
		{"MutationErrorAborts", testMutationErrorAborts},
		{"IdentityFieldsRestored", testIdentityRestored},
		{"CheckpointPrecedesTransition", testCheckpointPrecedesTransition},
		{"ExplicitCheckpoint", testExplicitCheckpoint},
		{"RollbackRoundTrip", testRollbackRoundTrip},
		{"RollbackRejectsForeignCheckpoint", testRollbackForeign},
		{"ListFilters", testListFilters},
		{"ConcurrentTransitionsSerialize", testConcurrentTransitions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory)
		})
	}
}

func stepClock() execution.Option {
	var ticks atomic.Int64
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return execution.WithClock(func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	})
}

func sequentialIDs(prefix string) execution.Option {
	var n atomic.Int64
	return execution.WithIDGenerator(func() string {
		return fmt.Sprintf("%s-%03d", prefix, n.Add(1))
	})
}

func newStore(t *testing.T, factory Factory) execution.Store {
	return factory(t, stepClock(), sequentialIDs("id"))
}

func create(t *testing.T, store execution.Store, req execution.CreateRequest) string {
	t.Helper()
	if req.Graph.ID == "" {
		req.Graph = permit
	}
	if req.OwnerID == "" {
		req.OwnerID = "citizen-1"
	}
	id, err := store.Create(context.Background(), req)
	require.NoError(t, err)
	return id
}

func setNode(node string, status execution.NodeStatus) execution.Transition {
	return execution.Transition{
		CausedBy: "node " + node + " " + string(status),
		Mutate: func(s *execution.State) error {
			s.Status = execution.StatusRunning
			s.CurrentNode = node
			state := s.Node(node)
			state.Status = status
			state.Attempts++
			state.Output = map[string]any{"node": node, "tags": []any{"a", "b"}}
			s.SetNode(node, state)
			if s.Context == nil {
				s.Context = map[string]any{}
			}
			s.Context["last"] = node
			return nil
		},
	}
}

func testCreateAndGet(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{Context: map[string]any{"name": "Ada"}})

	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, state.ID)
	require.Equal(t, permit, state.Graph)
	require.Equal(t, "citizen-1", state.OwnerID)
	require.Equal(t, execution.StatusPending, state.Status)
	require.Equal(t, int64(1), state.Version)
	require.Equal(t, "Ada", state.Context["name"])
	require.Empty(t, state.Checkpoints)
	require.False(t, state.CreatedAt.IsZero())
}

func testCreateValidatesRequest(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	_, err := store.Create(ctx, execution.CreateRequest{Graph: procedure.GraphRef{ID: "permit"}, OwnerID: "u"})
	require.Error(t, err, "unpinned graph version must be rejected")
	_, err = store.Create(ctx, execution.CreateRequest{Graph: permit})
	require.Error(t, err, "owner is required")
}

func testDuplicateExecution(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	first := create(t, store, execution.CreateRequest{})

	_, err := store.Create(ctx, execution.CreateRequest{Graph: permit, OwnerID: "citizen-1"})
	require.ErrorIs(t, err, execution.ErrDuplicateExecution)

	other := procedure.GraphRef{ID: "permit", Version: 2}
	_, err = store.Create(ctx, execution.CreateRequest{Graph: other, OwnerID: "citizen-1"})
	require.ErrorIs(t, err, execution.ErrDuplicateExecution, "duplicates are keyed by graph id, not version")

	parallel, err := store.Create(ctx, execution.CreateRequest{Graph: permit, OwnerID: "citizen-1", AllowParallel: true})
	require.NoError(t, err)
	require.NotEqual(t, first, parallel)

	_, err = store.Create(ctx, execution.CreateRequest{Graph: permit, OwnerID: "citizen-2"})
	require.NoError(t, err)

	for _, id := range []string{first, parallel} {
		state, err := store.Get(ctx, id)
		require.NoError(t, err)
		_, err = store.ApplyTransition(ctx, id, state.Version, execution.Transition{
			CausedBy: "finish",
			Mutate: func(s *execution.State) error {
				s.Status = execution.StatusCompleted
				return nil
			},
		})
		require.NoError(t, err)
	}
	_, err = store.Create(ctx, execution.CreateRequest{Graph: permit, OwnerID: "citizen-1"})
	require.NoError(t, err, "terminal executions do not block a new run")
}

func testCreateIdempotentByID(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	parent := create(t, store, execution.CreateRequest{})
	req := execution.CreateRequest{
		ID:            "child-1",
		Graph:         procedure.GraphRef{ID: "identity", Version: 1},
		OwnerID:       "citizen-1",
		ParentID:      parent,
		ParentNode:    "verify",
		DependencyKey: "identity@v1",
		Depth:         1,
		AllowParallel: true,
	}
	id, err := store.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "child-1", id)

	again, err := store.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, id, again)

	children, err := store.List(ctx, execution.Filter{ParentID: parent})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "verify", children[0].ParentNode)
	require.Equal(t, 1, children[0].Depth)

	req.ParentID = "someone-else"
	_, err = store.Create(ctx, req)
	require.ErrorIs(t, err, execution.ErrDuplicateExecution)
}

func testGetMissing(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, execution.ErrNotFound)
	_, err = store.ApplyTransition(ctx, "missing", 1, setNode("a", execution.NodeActive))
	require.ErrorIs(t, err, execution.ErrNotFound)
	require.ErrorIs(t, store.Rollback(ctx, "missing", "cp"), execution.ErrNotFound)
}

func testVersionMonotonicity(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})

	version := int64(1)
	for _, node := range []string{"start", "collect", "verify"} {
		next, err := store.ApplyTransition(ctx, id, version, setNode(node, execution.NodeCompleted))
		require.NoError(t, err)
		require.Greater(t, next, version)
		version = next
	}

	before, err := store.Get(ctx, id)
	require.NoError(t, err)

	_, err = store.ApplyTransition(ctx, id, version-1, setNode("stale", execution.NodeFailed))
	require.ErrorIs(t, err, execution.ErrConflict)
	var conflict *execution.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, version-1, conflict.Expected)
	require.Equal(t, version, conflict.Actual)

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.Snapshot(), after.Snapshot(), "a stale transition must not partially apply")
	require.Len(t, after.Checkpoints, len(before.Checkpoints))
}

func testMutationErrorAborts(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})
	boom := errors.New("boom")
	_, err := store.ApplyTransition(ctx, id, 1, execution.Transition{
		CausedBy: "explode",
		Mutate: func(s *execution.State) error {
			s.Status = execution.StatusFailed
			return boom
		},
	})
	require.ErrorIs(t, err, boom)
	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Version)
	require.Equal(t, execution.StatusPending, state.Status)
	require.Empty(t, state.Checkpoints)
}

func testIdentityRestored(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})
	original, err := store.Get(ctx, id)
	require.NoError(t, err)
	_, err = store.ApplyTransition(ctx, id, 1, execution.Transition{
		CausedBy: "tamper",
		Mutate: func(s *execution.State) error {
			s.ID = "other"
			s.OwnerID = "intruder"
			s.ParentID = "p"
			s.Depth = 9
			s.Version = 100
			s.Status = execution.StatusRunning
			return nil
		},
	})
	require.NoError(t, err)
	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, state.ID)
	require.Equal(t, original.OwnerID, state.OwnerID)
	require.Empty(t, state.ParentID)
	require.Zero(t, state.Depth)
	require.Equal(t, int64(2), state.Version)
	require.Equal(t, execution.StatusRunning, state.Status)
	require.True(t, state.CreatedAt.Equal(original.CreatedAt))
}

func testCheckpointPrecedesTransition(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})
	_, err := store.ApplyTransition(ctx, id, 1, setNode("start", execution.NodeCompleted))
	require.NoError(t, err)
	before, err := store.Get(ctx, id)
	require.NoError(t, err)

	_, err = store.ApplyTransition(ctx, id, before.Version, setNode("collect", execution.NodeActive))
	require.NoError(t, err)

	checkpoints, err := store.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	last := checkpoints[1]
	require.Equal(t, id, last.ExecutionID)
	require.Equal(t, 2, last.Sequence)
	require.Equal(t, before.Version, last.StateVersion)
	require.Equal(t, "node collect active", last.CausedBy)
	require.Equal(t, before.Snapshot(), last.Snapshot)
}

func testExplicitCheckpoint(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})
	cpID, err := store.Checkpoint(ctx, id, "before manual edit")
	require.NoError(t, err)
	require.NotEmpty(t, cpID)
	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Version)
	require.Len(t, state.Checkpoints, 1)
	require.Equal(t, "before manual edit", state.Checkpoints[0].Description)

	_, err = store.Checkpoint(ctx, "missing", "x")
	require.ErrorIs(t, err, execution.ErrNotFound)
}

func testRollbackRoundTrip(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{Context: map[string]any{"name": "Ada"}})

	version := int64(1)
	for _, node := range []string{"start", "collect"} {
		next, err := store.ApplyTransition(ctx, id, version, setNode(node, execution.NodeCompleted))
		require.NoError(t, err)
		version = next
	}
	targetID, err := store.Checkpoint(ctx, id, "after collect")
	require.NoError(t, err)
	for _, node := range []string{"verify", "review"} {
		next, err := store.ApplyTransition(ctx, id, version, setNode(node, execution.NodeFailed))
		require.NoError(t, err)
		version = next
	}

	checkpoints, err := store.Checkpoints(ctx, id)
	require.NoError(t, err)
	var target execution.Checkpoint
	for _, cp := range checkpoints {
		if cp.ID == targetID {
			target = cp
		}
	}
	require.Equal(t, targetID, target.ID)

	require.NoError(t, store.Rollback(ctx, id, targetID))
	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, target.Snapshot, state.Snapshot(), "rollback must restore the snapshot exactly")
	require.Greater(t, state.Version, version, "rollback bumps the version")

	var later []execution.Checkpoint
	for _, cp := range state.Checkpoints {
		if cp.Sequence > target.Sequence {
			later = append(later, cp)
			require.True(t, cp.Superseded, "checkpoint %d should be superseded", cp.Sequence)
		} else {
			require.False(t, cp.Superseded)
		}
	}
	require.Len(t, later, 3, "two transitions plus the replaced state")
	replaced := later[len(later)-1]
	require.Equal(t, version, replaced.StateVersion)
	require.Equal(t, "rollback:"+targetID, replaced.CausedBy)
	require.Equal(t, execution.NodeFailed, replaced.Snapshot.Nodes["review"].Status, "pre-rollback state is kept in history")
	for _, cp := range later {
		err := store.Rollback(ctx, id, cp.ID)
		require.ErrorIs(t, err, execution.ErrInvalidCheckpoint)
	}

	_, err = store.ApplyTransition(ctx, id, version, setNode("verify", execution.NodeActive))
	require.ErrorIs(t, err, execution.ErrConflict, "pre-rollback version is stale")
	_, err = store.ApplyTransition(ctx, id, state.Version, setNode("verify", execution.NodeActive))
	require.NoError(t, err)
}

func testRollbackForeign(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	a := create(t, store, execution.CreateRequest{OwnerID: "a"})
	b := create(t, store, execution.CreateRequest{OwnerID: "b"})
	cp, err := store.Checkpoint(ctx, a, "a")
	require.NoError(t, err)
	require.ErrorIs(t, store.Rollback(ctx, b, cp), execution.ErrInvalidCheckpoint)
	require.ErrorIs(t, store.Rollback(ctx, a, "unknown"), execution.ErrInvalidCheckpoint)
}

func testListFilters(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	a := create(t, store, execution.CreateRequest{OwnerID: "a"})
	create(t, store, execution.CreateRequest{OwnerID: "b"})
	create(t, store, execution.CreateRequest{OwnerID: "a", Graph: procedure.GraphRef{ID: "identity", Version: 3}})
	_, err := store.ApplyTransition(ctx, a, 1, execution.Transition{
		CausedBy: "finish",
		Mutate: func(s *execution.State) error {
			s.Status = execution.StatusCompleted
			return nil
		},
	})
	require.NoError(t, err)

	all, err := store.List(ctx, execution.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	owned, err := store.List(ctx, execution.Filter{OwnerID: "a"})
	require.NoError(t, err)
	require.Len(t, owned, 2)

	active, err := store.List(ctx, execution.Filter{OwnerID: "a", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "identity", active[0].Graph.ID)

	pinned, err := store.List(ctx, execution.Filter{GraphID: "identity", GraphVersion: 3})
	require.NoError(t, err)
	require.Len(t, pinned, 1)

	completed, err := store.List(ctx, execution.Filter{Statuses: []execution.Status{execution.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, a, completed[0].ID)

	inUse, err := execution.GraphUsage{Store: store}.GraphInUse(ctx, permit)
	require.NoError(t, err)
	require.True(t, inUse, "owner b still runs permit@v1")
}

func testConcurrentTransitions(t *testing.T, factory Factory) {
	store := newStore(t, factory)
	ctx := context.Background()
	id := create(t, store, execution.CreateRequest{})

	const writers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		conflicts atomic.Int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyTransition(ctx, id, 1, setNode(fmt.Sprintf("n%d", i), execution.NodeActive))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, execution.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(1), successes.Load(), "exactly one transition may apply from a base version")
	require.Equal(t, int64(writers-1), conflicts.Load())

	state, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), state.Version)
	require.Len(t, state.Checkpoints, 1)
}
