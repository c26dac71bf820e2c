package execution

import (
	"time"

	"github.com/kingrea/pathway/internal/procedure"
)

// Status is the coarse lifecycle phase of an execution.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusWaitingOnDependency Status = "waiting-on-dependency"
	StatusWaitingExternal     Status = "waiting-external"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further transitions will advance the execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Waiting reports whether the execution is suspended on an outside event.
func (s Status) Waiting() bool {
	return s == StatusWaitingOnDependency || s == StatusWaitingExternal
}

// NodeStatus tracks a single node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeActive    NodeStatus = "active"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeWaiting   NodeStatus = "waiting"
)

// NodeState records progress and results of one node.
type NodeState struct {
	Status          NodeStatus     `json:"status"`
	Attempts        int            `json:"attempts,omitempty"`
	EnteredAt       time.Time      `json:"entered_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
	RetryAt         time.Time      `json:"retry_at,omitzero"`
	DeadlineAt      time.Time      `json:"deadline_at,omitzero"`
	LastError       string         `json:"last_error,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	Exhausted       bool           `json:"exhausted,omitempty"`
	RecoveryOptions []string       `json:"recovery_options,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
}

// Clone returns a deep copy of the node state.
func (n NodeState) Clone() NodeState {
	clone := n
	clone.RecoveryOptions = cloneStrings(n.RecoveryOptions)
	clone.Output = CloneMap(n.Output)
	return clone
}

// DependencyStatus is the resolution status of one dependency reference.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencySatisfied DependencyStatus = "satisfied"
	DependencyFailed    DependencyStatus = "failed"
	DependencySkipped   DependencyStatus = "skipped"
)

// Settled reports whether the record no longer needs a child execution.
func (s DependencyStatus) Settled() bool {
	return s == DependencySatisfied || s == DependencyFailed || s == DependencySkipped
}

// DependencyRecord caches the resolution of a dependency reference on the
// parent execution. Candidate indexes DependencyRef.Candidates().
type DependencyRecord struct {
	Key        string                  `json:"key"`
	Scope      string                  `json:"scope,omitempty"`
	Ref        procedure.DependencyRef `json:"ref"`
	Status     DependencyStatus        `json:"status"`
	Candidate  int                     `json:"candidate"`
	ChildID    string                  `json:"child_id,omitempty"`
	Graph      procedure.GraphRef      `json:"graph,omitzero"`
	Attempted  []string                `json:"attempted,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	ResolvedAt time.Time               `json:"resolved_at,omitzero"`
}

// Clone returns a deep copy of the record.
func (r DependencyRecord) Clone() DependencyRecord {
	clone := r
	clone.Ref = r.Ref.Clone()
	clone.Attempted = cloneStrings(r.Attempted)
	return clone
}

// State is the mutable root record of one execution. It is owned by a Store;
// callers only ever see copies.
type State struct {
	ID            string                      `json:"id"`
	Graph         procedure.GraphRef          `json:"graph"`
	OwnerID       string                      `json:"owner_id"`
	ParentID      string                      `json:"parent_id,omitempty"`
	ParentNode    string                      `json:"parent_node,omitempty"`
	DependencyKey string                      `json:"dependency_key,omitempty"`
	Depth         int                         `json:"depth,omitempty"`
	CurrentNode   string                      `json:"current_node,omitempty"`
	Status        Status                      `json:"status"`
	StatusReason  string                      `json:"status_reason,omitempty"`
	Nodes         map[string]NodeState        `json:"nodes,omitempty"`
	Context       map[string]any              `json:"context,omitempty"`
	Dependencies  map[string]DependencyRecord `json:"dependencies,omitempty"`
	ChildIDs      []string                    `json:"child_ids,omitempty"`
	Version       int64                       `json:"version"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`
	Checkpoints   []Checkpoint                `json:"checkpoints,omitempty"`
}

// Node returns the state of id, defaulting to pending.
func (s *State) Node(id string) NodeState {
	if node, ok := s.Nodes[id]; ok {
		return node
	}
	return NodeState{Status: NodePending}
}

// SetNode replaces the state of id.
func (s *State) SetNode(id string, node NodeState) {
	if s.Nodes == nil {
		s.Nodes = map[string]NodeState{}
	}
	s.Nodes[id] = node
}

// SetDependency stores a dependency record under its key.
func (s *State) SetDependency(record DependencyRecord) {
	if s.Dependencies == nil {
		s.Dependencies = map[string]DependencyRecord{}
	}
	s.Dependencies[record.Key] = record
}

// AddChild appends id to ChildIDs unless already present.
func (s *State) AddChild(id string) {
	for _, existing := range s.ChildIDs {
		if existing == id {
			return
		}
	}
	s.ChildIDs = append(s.ChildIDs, id)
}

// Outputs maps node ids to their recorded output.
func (s *State) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.Nodes))
	for id, node := range s.Nodes {
		if len(node.Output) > 0 {
			out[id] = node.Output
		}
	}
	return out
}

// Clone returns a deep copy including checkpoints.
func (s State) Clone() State {
	clone := s
	clone.Nodes = cloneNodes(s.Nodes)
	clone.Context = CloneMap(s.Context)
	clone.Dependencies = cloneDependencies(s.Dependencies)
	clone.ChildIDs = cloneStrings(s.ChildIDs)
	if len(s.Checkpoints) > 0 {
		clone.Checkpoints = make([]Checkpoint, len(s.Checkpoints))
		for i, cp := range s.Checkpoints {
			clone.Checkpoints[i] = cp.Clone()
		}
	}
	return clone
}

// Snapshot captures every mutable field of the state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Graph:        s.Graph,
		CurrentNode:  s.CurrentNode,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		Nodes:        cloneNodes(s.Nodes),
		Context:      CloneMap(s.Context),
		Dependencies: cloneDependencies(s.Dependencies),
		ChildIDs:     cloneStrings(s.ChildIDs),
	}
}

// Restore overwrites the mutable fields with the snapshot contents.
func (s *State) Restore(snap Snapshot) {
	snap = snap.Clone()
	s.Graph = snap.Graph
	s.CurrentNode = snap.CurrentNode
	s.Status = snap.Status
	s.StatusReason = snap.StatusReason
	s.Nodes = snap.Nodes
	s.Context = snap.Context
	s.Dependencies = snap.Dependencies
	s.ChildIDs = snap.ChildIDs
}

// Snapshot is the restorable portion of a State.
type Snapshot struct {
	Graph        procedure.GraphRef          `json:"graph"`
	CurrentNode  string                      `json:"current_node,omitempty"`
	Status       Status                      `json:"status"`
	StatusReason string                      `json:"status_reason,omitempty"`
	Nodes        map[string]NodeState        `json:"nodes,omitempty"`
	Context      map[string]any              `json:"context,omitempty"`
	Dependencies map[string]DependencyRecord `json:"dependencies,omitempty"`
	ChildIDs     []string                    `json:"child_ids,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Graph:        s.Graph,
		CurrentNode:  s.CurrentNode,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		Nodes:        cloneNodes(s.Nodes),
		Context:      CloneMap(s.Context),
		Dependencies: cloneDependencies(s.Dependencies),
		ChildIDs:     cloneStrings(s.ChildIDs),
	}
}

// Checkpoint is an immutable snapshot written before a transition. A
// superseded checkpoint was discarded by a rollback and can no longer be
// restored.
type Checkpoint struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id"`
	Sequence     int       `json:"sequence"`
	StateVersion int64     `json:"state_version"`
	CreatedAt    time.Time `json:"created_at"`
	CausedBy     string    `json:"caused_by,omitempty"`
	Description  string    `json:"description,omitempty"`
	Snapshot     Snapshot  `json:"snapshot"`
	Superseded   bool      `json:"superseded,omitempty"`
}

// Clone returns a deep copy of the checkpoint.
func (c Checkpoint) Clone() Checkpoint {
	clone := c
	clone.Snapshot = c.Snapshot.Clone()
	return clone
}

// RollbackCheckpoint records the state a rollback to targetID replaces. It
// is superseded from the start so history keeps it without offering it as a
// rollback target.
func RollbackCheckpoint(id string, current *State, targetID string, now time.Time) Checkpoint {
	return Checkpoint{
		ID:           id,
		ExecutionID:  current.ID,
		StateVersion: current.Version,
		CreatedAt:    now,
		CausedBy:     "rollback:" + targetID,
		Description:  "state before rollback to " + targetID,
		Snapshot:     current.Snapshot(),
		Superseded:   true,
	}
}

// CloneMap deep-copies nested maps and slices of a JSON-like value tree.
func CloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case map[string]string:
		out := make(map[string]string, len(typed))
		for key, item := range typed {
			out[key] = item
		}
		return out
	default:
		return value
	}
}

func cloneNodes(values map[string]NodeState) map[string]NodeState {
	if values == nil {
		return nil
	}
	out := make(map[string]NodeState, len(values))
	for id, node := range values {
		out[id] = node.Clone()
	}
	return out
}

func cloneDependencies(values map[string]DependencyRecord) map[string]DependencyRecord {
	if values == nil {
		return nil
	}
	out := make(map[string]DependencyRecord, len(values))
	for key, record := range values {
		out[key] = record.Clone()
	}
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
