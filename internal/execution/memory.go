package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps executions in process memory. Every read and write goes
// through deep copies so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.Mutex
	opts       Options
	executions map[string]*State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:       BuildOptions(opts...),
		executions: map[string]*State{},
	}
}

func (m *MemoryStore) ready(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if m == nil {
		return errors.New("execution: memory store is required")
	}
	return nil
}

// Create inserts a new pending execution.
func (m *MemoryStore) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := m.ready(ctx); err != nil {
		return "", err
	}
	if err := ValidateCreate(req); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strings.TrimSpace(req.ID)
	if id != "" {
		if existing, ok := m.executions[id]; ok {
			if SameCreate(existing, req) {
				return id, nil
			}
			return "", fmt.Errorf("%w: id %s already in use", ErrDuplicateExecution, id)
		}
	}
	if !req.AllowParallel {
		for _, existing := range m.executions {
			if existing.Graph.ID == req.Graph.ID && existing.OwnerID == req.OwnerID && !existing.Status.Terminal() {
				return "", fmt.Errorf("%w: %s already active for owner %s (%s)", ErrDuplicateExecution, req.Graph.ID, req.OwnerID, existing.ID)
			}
		}
	}
	if id == "" {
		id = m.opts.NewID()
	}
	state := NewState(id, req, m.opts.Clock())
	m.executions[id] = &state
	return id, nil
}

// Get returns a copy of the execution including its checkpoints.
func (m *MemoryStore) Get(ctx context.Context, id string) (State, error) {
	if err := m.ready(ctx); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.executions[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state.Clone(), nil
}

// ApplyTransition performs a compare-and-swap update. The pre-mutation
// checkpoint and the new state are installed together under the lock.
func (m *MemoryStore) ApplyTransition(ctx context.Context, id string, expectedVersion int64, t Transition) (int64, error) {
	if err := m.ready(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return 0, &ConflictError{ExecutionID: id, Expected: expectedVersion, Actual: current.Version}
	}
	now := m.opts.Clock()
	next, err := Mutate(current.Clone(), t, now)
	if err != nil {
		return 0, err
	}
	cp := Checkpoint{
		ID:           m.opts.NewID(),
		ExecutionID:  id,
		Sequence:     len(current.Checkpoints) + 1,
		StateVersion: current.Version,
		CreatedAt:    now,
		CausedBy:     t.CausedBy,
		Snapshot:     current.Snapshot(),
	}
	next.Checkpoints = append(current.Clone().Checkpoints, cp)
	m.executions[id] = &next
	return next.Version, nil
}

// Checkpoint records the current state without changing its version.
func (m *MemoryStore) Checkpoint(ctx context.Context, id, description string) (string, error) {
	if err := m.ready(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := Checkpoint{
		ID:           m.opts.NewID(),
		ExecutionID:  id,
		Sequence:     len(current.Checkpoints) + 1,
		StateVersion: current.Version,
		CreatedAt:    m.opts.Clock(),
		CausedBy:     "checkpoint",
		Description:  description,
		Snapshot:     current.Snapshot(),
	}
	current.Checkpoints = append(current.Checkpoints, cp)
	return cp.ID, nil
}

// Rollback restores a checkpoint snapshot and supersedes every checkpoint
// recorded after it. The replaced state is appended as a superseded
// checkpoint.
func (m *MemoryStore) Rollback(ctx context.Context, id, checkpointID string) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	target := -1
	for i, cp := range current.Checkpoints {
		if cp.ID == checkpointID {
			target = i
			break
		}
	}
	if target < 0 {
		return fmt.Errorf("%w: %s does not belong to execution %s", ErrInvalidCheckpoint, checkpointID, id)
	}
	if current.Checkpoints[target].Superseded {
		return fmt.Errorf("%w: %s was superseded by an earlier rollback", ErrInvalidCheckpoint, checkpointID)
	}
	now := m.opts.Clock()
	next := current.Clone()
	next.Restore(current.Checkpoints[target].Snapshot)
	for i := target + 1; i < len(next.Checkpoints); i++ {
		next.Checkpoints[i].Superseded = true
	}
	replaced := RollbackCheckpoint(m.opts.NewID(), current, checkpointID, now)
	replaced.Sequence = len(current.Checkpoints) + 1
	next.Checkpoints = append(next.Checkpoints, replaced)
	next.Version = current.Version + 1
	next.UpdatedAt = now
	m.executions[id] = &next
	return nil
}

// Checkpoints lists checkpoints oldest first, superseded ones included.
func (m *MemoryStore) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	state, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return state.Checkpoints, nil
}

// List returns copies of every execution matching filter.
func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]State, error) {
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, state := range m.executions {
		if filter.Match(state) {
			out = append(out, state.Clone())
		}
	}
	SortStates(out)
	return out, nil
}
