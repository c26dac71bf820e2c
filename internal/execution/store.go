package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/pathway/internal/procedure"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution: not found")
	// ErrDuplicateExecution is returned when an active execution already
	// exists for the same graph and owner.
	ErrDuplicateExecution = errors.New("execution: duplicate execution")
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("execution: version conflict")
	// ErrInvalidCheckpoint is returned for unknown, foreign, or superseded
	// checkpoints.
	ErrInvalidCheckpoint = errors.New("execution: invalid checkpoint")
)

// ConflictError reports a compare-and-swap failure. The caller must reload
// and retry.
type ConflictError struct {
	ExecutionID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution %s: version conflict: expected %d, current %d", e.ExecutionID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Mutation edits a private copy of the state. Returning an error aborts the
// transition without persisting anything.
type Mutation func(*State) error

// Transition is a named mutation; CausedBy is recorded on the checkpoint.
type Transition struct {
	CausedBy string
	Mutate   Mutation
}

// CreateRequest describes a new execution. ID is optional; supplying one
// makes creation idempotent for the same parent.
type CreateRequest struct {
	ID            string
	Graph         procedure.GraphRef
	OwnerID       string
	Context       map[string]any
	ParentID      string
	ParentNode    string
	DependencyKey string
	Depth         int
	AllowParallel bool
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	OwnerID      string
	GraphID      string
	GraphVersion int
	ParentID     string
	Statuses     []Status
	ActiveOnly   bool
}

// Match reports whether s satisfies the filter.
func (f Filter) Match(s *State) bool {
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if f.GraphID != "" && s.Graph.ID != f.GraphID {
		return false
	}
	if f.GraphVersion != 0 && s.Graph.Version != f.GraphVersion {
		return false
	}
	if f.ParentID != "" && s.ParentID != f.ParentID {
		return false
	}
	if f.ActiveOnly && s.Status.Terminal() {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, status := range f.Statuses {
			if s.Status == status {
				return true
			}
		}
		return false
	}
	return true
}

// Store is the single owner of execution state. ApplyTransition is the only
// write path for an existing execution besides Rollback.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (string, error)
	Get(ctx context.Context, id string) (State, error)
	ApplyTransition(ctx context.Context, id string, expectedVersion int64, t Transition) (int64, error)
	Checkpoint(ctx context.Context, id, description string) (string, error)
	Rollback(ctx context.Context, id, checkpointID string) error
	Checkpoints(ctx context.Context, id string) ([]Checkpoint, error)
	List(ctx context.Context, filter Filter) ([]State, error)
}

// Options are shared by store implementations.
type Options struct {
	Clock func() time.Time
	NewID func() string
}

// Option customizes a store.
type Option func(*Options)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithIDGenerator overrides how execution and checkpoint ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(o *Options) {
		if gen != nil {
			o.NewID = gen
		}
	}
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		Clock: func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewState builds the initial record for req. Stores call it after
// duplicate checks.
func NewState(id string, req CreateRequest, now time.Time) State {
	return State{
		ID:            id,
		Graph:         req.Graph,
		OwnerID:       req.OwnerID,
		ParentID:      req.ParentID,
		ParentNode:    req.ParentNode,
		DependencyKey: req.DependencyKey,
		Depth:         req.Depth,
		Status:        StatusPending,
		Context:       CloneMap(req.Context),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ValidateCreate checks the request shape shared by all stores.
func ValidateCreate(req CreateRequest) error {
	if req.Graph.ID == "" || req.Graph.Version < 1 {
		return fmt.Errorf("execution: create requires a pinned graph, got %s", req.Graph)
	}
	if req.OwnerID == "" {
		return fmt.Errorf("execution: create requires an owner id")
	}
	if req.Depth < 0 {
		return fmt.Errorf("execution: depth must be >= 0")
	}
	return nil
}

// SameCreate reports whether an existing record was created by an
// equivalent request, making a repeated Create a no-op.
func SameCreate(existing *State, req CreateRequest) bool {
	return existing.ParentID == req.ParentID &&
		existing.Graph.ID == req.Graph.ID &&
		existing.OwnerID == req.OwnerID
}

// Mutate runs t against a copy of current and returns the next state. The
// identity fields are restored no matter what the mutation did.
func Mutate(current State, t Transition, now time.Time) (State, error) {
	if t.Mutate == nil {
		return State{}, fmt.Errorf("execution %s: transition %q has no mutation", current.ID, t.CausedBy)
	}
	next := current.Clone()
	next.Checkpoints = nil
	if err := t.Mutate(&next); err != nil {
		return State{}, err
	}
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.ParentID = current.ParentID
	next.ParentNode = current.ParentNode
	next.DependencyKey = current.DependencyKey
	next.Depth = current.Depth
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// SortStates orders states by creation time then id.
func SortStates(states []State) {
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.Before(states[j].CreatedAt)
		}
		return states[i].ID < states[j].ID
	})
}

// GraphUsage adapts a Store to procedure.UsageChecker.
type GraphUsage struct {
	Store Store
}

// GraphInUse reports whether a non-terminal execution pins ref.
func (u GraphUsage) GraphInUse(ctx context.Context, ref procedure.GraphRef) (bool, error) {
	states, err := u.Store.List(ctx, Filter{GraphID: ref.ID, GraphVersion: ref.Version, ActiveOnly: true})
	if err != nil {
		return false, err
	}
	return len(states) > 0, nil
}
