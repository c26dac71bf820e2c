package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/logging"
)

const (
	defaultWorkers       = 4
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 5 * time.Minute
)

// Dispatcher runs one processing pass for an execution. A non-zero wake time
// asks the queue to dispatch the execution again at that instant.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) (time.Time, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, id string) (time.Time, error)

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, id string) (time.Time, error) {
	return f(ctx, id)
}

// Lister is the read side of the execution store used during recovery.
type Lister interface {
	List(ctx context.Context, filter execution.Filter) ([]execution.State, error)
}

// Option customises a Queue.
type Option func(*Queue)

// WithWorkers sets how many executions Run dispatches concurrently.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithLogger routes dispatch failures to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logging.OrDiscard(logger)
	}
}

// WithRetryDelay sets the first re-dispatch delay after a failed pass and
// its cap. The delay doubles per consecutive failure of the same id.
func WithRetryDelay(base, limit time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.retryDelay = base
		}
		if limit >= q.retryDelay {
			q.maxRetryDelay = limit
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// Queue is a run queue of execution ids. An id is either ready, running, or
// idle; enqueueing a running id marks it dirty so it runs once more when the
// current pass returns. A failed pass re-arms its id with backoff.
type Queue struct {
	mu       sync.Mutex
	ready    []string
	queued   map[string]struct{}
	running  map[string]struct{}
	dirty    map[string]struct{}
	timers   map[string]*timer
	failures map[string]int
	signal   chan struct{}
	workers  int
	logger   *slog.Logger
	clock    func() time.Time

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

type timer struct {
	at time.Time
	t  *time.Timer
}

// New builds an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		queued:  map[string]struct{}{},
		running: map[string]struct{}{},
		dirty:   map[string]struct{}{},
		timers:   map[string]*timer{},
		failures: map[string]int{},
		signal:   make(chan struct{}, 1),
		workers:  defaultWorkers,
		logger:   logging.Discard(),
		clock:    time.Now,

		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Workers returns the configured worker count.
func (q *Queue) Workers() int {
	return q.workers
}

// Enqueue marks id ready for a pass.
func (q *Queue) Enqueue(id string) {
	if id == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(id)
}

func (q *Queue) enqueueLocked(id string) {
	if _, ok := q.running[id]; ok {
		q.dirty[id] = struct{}{}
		return
	}
	if _, ok := q.queued[id]; ok {
		return
	}
	q.queued[id] = struct{}{}
	q.ready = append(q.ready, id)
	q.notify()
}

// EnqueueAt schedules id for a pass at t. Only the earliest pending wake-up
// per id is kept; times not in the future enqueue immediately.
func (q *Queue) EnqueueAt(id string, at time.Time) {
	if id == "" || at.IsZero() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.armLocked(id, at)
}

func (q *Queue) armLocked(id string, at time.Time) {
	delay := at.Sub(q.clock())
	if delay <= 0 {
		q.enqueueLocked(id)
		return
	}
	if existing, ok := q.timers[id]; ok {
		if !existing.at.After(at) {
			return
		}
		existing.t.Stop()
	}
	entry := &timer{at: at}
	entry.t = time.AfterFunc(delay, func() { q.fire(id, entry) })
	q.timers[id] = entry
}

func (q *Queue) fire(id string, entry *timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.timers[id]; !ok || current != entry {
		return
	}
	delete(q.timers, id)
	q.enqueueLocked(id)
}

// Pending reports how many ids are ready, running, or waiting on a timer.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{}, len(q.queued)+len(q.running)+len(q.timers))
	for id := range q.queued {
		seen[id] = struct{}{}
	}
	for id := range q.running {
		seen[id] = struct{}{}
	}
	for id := range q.timers {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Stop disarms every timer. Ready ids stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, entry := range q.timers {
		entry.t.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next claims the first ready id.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", false
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	delete(q.queued, id)
	q.running[id] = struct{}{}
	if len(q.ready) > 0 {
		q.notify()
	}
	return id, true
}

func (q *Queue) finish(id string, wake time.Time, failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
	if failed {
		q.failures[id]++
		retry := q.clock().Add(q.backoffLocked(id))
		if wake.IsZero() || retry.Before(wake) {
			wake = retry
		}
	} else {
		delete(q.failures, id)
	}
	if _, ok := q.dirty[id]; ok {
		delete(q.dirty, id)
		q.enqueueLocked(id)
		return
	}
	if !wake.IsZero() {
		q.armLocked(id, wake)
	}
}

// backoffLocked returns the re-dispatch delay for id's current failure
// streak.
func (q *Queue) backoffLocked(id string) time.Duration {
	delay := q.retryDelay
	for i := 1; i < q.failures[id] && delay < q.maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, q.maxRetryDelay)
}

func (q *Queue) dispatch(ctx context.Context, d Dispatcher, id string) error {
	wake, err := d.Dispatch(ctx, id)
	q.finish(id, wake, err != nil)
	if err != nil {
		q.logger.Error("scheduler: dispatch failed", "execution_id", id, "error", err)
		return fmt.Errorf("scheduler: dispatch %s: %w", id, err)
	}
	return nil
}

// Run dispatches ready executions on the configured number of workers until
// ctx is done.
func (q *Queue) Run(ctx context.Context, d Dispatcher) error {
	if d == nil {
		return errors.New("scheduler: dispatcher is required")
	}
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, d)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, d Dispatcher) {
	for {
		if ctx.Err() != nil {
			return
		}
		if id, ok := q.next(); ok {
			_ = q.dispatch(ctx, d, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}

// Drain dispatches on the calling goroutine until no id is ready. Armed
// timers are left in place. Dispatch errors are collected and returned
// together.
func (q *Queue) Drain(ctx context.Context, d Dispatcher) error {
	if d == nil {
		return errors.New("scheduler: dispatcher is required")
	}
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		id, ok := q.next()
		if !ok {
			return errors.Join(errs...)
		}
		if err := q.dispatch(ctx, d, id); err != nil {
			errs = append(errs, err)
		}
	}
}

// Recover enqueues every execution that has not reached a terminal status.
// It returns how many were enqueued.
func (q *Queue) Recover(ctx context.Context, lister Lister) (int, error) {
	states, err := lister.List(ctx, execution.Filter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("scheduler: recover: %w", err)
	}
	for _, state := range states {
		q.Enqueue(state.ID)
	}
	if len(states) > 0 {
		q.logger.Info("scheduler: recovered executions", "count", len(states))
	}
	return len(states), nil
}
