package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

func TestDrainDispatchesEachQueuedIDOnce(t *testing.T) {
	q := New()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("a")
	var order []string
	err := q.Drain(context.Background(), DispatchFunc(func(_ context.Context, id string) (time.Time, error) {
		order = append(order, id)
		return time.Time{}, nil
	}))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected dispatch order %v", order)
	}
	if q.Pending() != 0 {
		t.Fatalf("queue should be empty, pending=%d", q.Pending())
	}
}

func TestEnqueueDuringDispatchRunsAgain(t *testing.T) {
	q := New()
	q.Enqueue("exec")
	passes := 0
	err := q.Drain(context.Background(), DispatchFunc(func(_ context.Context, id string) (time.Time, error) {
		passes++
		if passes == 1 {
			q.Enqueue(id)
			q.Enqueue(id)
		}
		return time.Time{}, nil
	}))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if passes != 2 {
		t.Fatalf("expected one dirty re-dispatch, got %d passes", passes)
	}
}

func TestPastWakeTimeRequeuesImmediately(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := New(WithClock(func() time.Time { return now }))
	q.Enqueue("exec")
	passes := 0
	err := q.Drain(context.Background(), DispatchFunc(func(context.Context, string) (time.Time, error) {
		passes++
		if passes < 3 {
			return now.Add(-time.Second), nil
		}
		return time.Time{}, nil
	}))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if passes != 3 {
		t.Fatalf("expected 3 passes, got %d", passes)
	}
}

func TestEnqueueAtFiresTimer(t *testing.T) {
	q := New(WithWorkers(1))
	dispatched := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = q.Run(ctx, DispatchFunc(func(_ context.Context, id string) (time.Time, error) {
			dispatched <- id
			return time.Time{}, nil
		}))
	}()
	q.EnqueueAt("later", time.Now().Add(20*time.Millisecond))
	q.EnqueueAt("later", time.Now().Add(time.Hour))
	if q.Pending() != 1 {
		t.Fatalf("expected armed timer, pending=%d", q.Pending())
	}
	select {
	case id := <-dispatched:
		if id != "later" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestRunNeverOverlapsPassesForOneID(t *testing.T) {
	q := New(WithWorkers(4))
	var inFlight, maxInFlight, total atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = q.Run(ctx, DispatchFunc(func(context.Context, string) (time.Time, error) {
			n := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			total.Add(1)
			return time.Time{}, nil
		}))
	}()
	for i := 0; i < 10; i++ {
		q.Enqueue("same")
		time.Sleep(3 * time.Millisecond)
	}
	done := make(chan struct{})
	go func() {
		for total.Load() < 1 {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no dispatch happened")
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("expected at most one in-flight pass, saw %d", got)
	}
}

func TestDrainCollectsErrors(t *testing.T) {
	q := New()
	q.Enqueue("bad")
	q.Enqueue("good")
	boom := errors.New("boom")
	err := q.Drain(context.Background(), DispatchFunc(func(_ context.Context, id string) (time.Time, error) {
		if id == "bad" {
			return time.Time{}, boom
		}
		return time.Time{}, nil
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped dispatch error, got %v", err)
	}
}

func TestRecoverEnqueuesActiveExecutions(t *testing.T) {
	ctx := context.Background()
	store := execution.NewMemoryStore()
	active, err := store.Create(ctx, execution.CreateRequest{Graph: procedure.GraphRef{ID: "permit", Version: 1}, OwnerID: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := store.Create(ctx, execution.CreateRequest{Graph: procedure.GraphRef{ID: "permit", Version: 1}, OwnerID: "b"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state, _ := store.Get(ctx, done)
	if _, err := store.ApplyTransition(ctx, done, state.Version, execution.Transition{
		CausedBy: "test",
		Mutate: func(s *execution.State) error {
			s.Status = execution.StatusCompleted
			return nil
		},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	q := New()
	n, err := q.Recover(ctx, store)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered execution, got %d", n)
	}
	var seen []string
	_ = q.Drain(ctx, DispatchFunc(func(_ context.Context, id string) (time.Time, error) {
		seen = append(seen, id)
		return time.Time{}, nil
	}))
	if len(seen) != 1 || seen[0] != active {
		t.Fatalf("expected %s to be dispatched, got %v", active, seen)
	}
}

func TestFailedDispatchIsRearmedWithBackoff(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := New(WithClock(func() time.Time { return now }), WithRetryDelay(time.Hour, 4*time.Hour))
	t.Cleanup(q.Stop)
	boom := errors.New("conflict retries exhausted")
	fail := DispatchFunc(func(context.Context, string) (time.Time, error) {
		return time.Time{}, boom
	})

	q.Enqueue("exec")
	if err := q.Drain(context.Background(), fail); !errors.Is(err, boom) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("failed id should stay armed, pending=%d", q.Pending())
	}
	if got := q.timers["exec"].at; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("first retry should wait the base delay, got %s", got)
	}

	for _, want := range []time.Duration{2 * time.Hour, 4 * time.Hour, 4 * time.Hour} {
		q.Stop()
		q.Enqueue("exec")
		_ = q.Drain(context.Background(), fail)
		if got := q.timers["exec"].at; !got.Equal(now.Add(want)) {
			t.Fatalf("expected retry after %s, got %s", want, got.Sub(now))
		}
	}

	q.Stop()
	q.Enqueue("exec")
	err := q.Drain(context.Background(), DispatchFunc(func(context.Context, string) (time.Time, error) {
		return time.Time{}, nil
	}))
	if err != nil || q.Pending() != 0 {
		t.Fatalf("a successful pass should clear the retry, got %v pending=%d", err, q.Pending())
	}
	if _, ok := q.failures["exec"]; ok {
		t.Fatalf("failure streak should reset after success")
	}
}
