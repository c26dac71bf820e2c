// Package escalation records executions that failed with no recovery path so
// a person can pick them up. Each report carries the full execution state
// and its checkpoint trail.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/logging"
)

// ErrReportNotFound is returned when no report exists for an execution.
var ErrReportNotFound = errors.New("escalation: report not found")

// Report describes one escalated execution.
type Report struct {
	ExecutionID     string                 `json:"execution_id"`
	Graph           string                 `json:"graph"`
	OwnerID         string                 `json:"owner_id"`
	ParentID        string                 `json:"parent_id,omitempty"`
	Node            string                 `json:"node,omitempty"`
	ErrorKind       string                 `json:"error_kind,omitempty"`
	Reason          string                 `json:"reason"`
	RecoveryOptions []string               `json:"recovery_options,omitempty"`
	State           execution.State        `json:"state"`
	Checkpoints     []execution.Checkpoint `json:"checkpoints,omitempty"`
	RaisedAt        time.Time              `json:"raised_at"`
}

// NewReport builds a report from a failed execution.
func NewReport(state execution.State, now time.Time) Report {
	node := state.Node(state.CurrentNode)
	report := Report{
		ExecutionID:     state.ID,
		Graph:           state.Graph.String(),
		OwnerID:         state.OwnerID,
		ParentID:        state.ParentID,
		Node:            state.CurrentNode,
		ErrorKind:       node.ErrorKind,
		Reason:          state.StatusReason,
		RecoveryOptions: append([]string(nil), node.RecoveryOptions...),
		Checkpoints:     state.Checkpoints,
		RaisedAt:        now.UTC(),
	}
	report.State = state.Clone()
	report.State.Checkpoints = nil
	if report.Reason == "" {
		report.Reason = node.LastError
	}
	return report
}

// Sink receives escalation reports.
type Sink interface {
	Raise(ctx context.Context, report Report) error
}

// FileSink writes one JSON document per execution to a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("escalation: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("escalation: ensure %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the report directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Raise writes <dir>/<execution id>.json, replacing any earlier report.
func (s *FileSink) Raise(ctx context.Context, report Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if report.ExecutionID == "" {
		return fmt.Errorf("escalation: report has no execution id")
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("escalation: encode %s: %w", report.ExecutionID, err)
	}
	path := s.path(report.ExecutionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("escalation: write %s: %w", report.ExecutionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("escalation: commit %s: %w", report.ExecutionID, err)
	}
	return nil
}

// Load reads the report for an execution.
func (s *FileSink) Load(executionID string) (Report, error) {
	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Report{}, ErrReportNotFound
		}
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("escalation: decode %s: %w", executionID, err)
	}
	return report, nil
}

// List returns every report ordered by RaisedAt.
func (s *FileSink) List() ([]Report, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var reports []Report
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		report, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].RaisedAt.Before(reports[j].RaisedAt)
	})
	return reports, nil
}

func (s *FileSink) path(executionID string) string {
	return filepath.Join(s.dir, filepath.Base(executionID)+".json")
}

// Event wraps a report as an execution.escalated event.
func Event(report Report) eventbridge.Event {
	evt := eventbridge.Event{
		Version:      eventbridge.EventSchemaVersion,
		EventID:      "escalated:" + report.ExecutionID + ":" + fmt.Sprint(report.State.Version),
		Type:         eventbridge.TypeExecutionEscalated,
		ServerTime:   report.RaisedAt,
		ExecutionID:  report.ExecutionID,
		NodeID:       report.Node,
		Graph:        report.Graph,
		OwnerID:      report.OwnerID,
		ParentID:     report.ParentID,
		StateVersion: report.State.Version,
	}
	return evt.WithPayload(report)
}

// FromEvent decodes the report carried by an execution.escalated event.
func FromEvent(evt eventbridge.Event) (Report, error) {
	if evt.Type != eventbridge.TypeExecutionEscalated {
		return Report{}, fmt.Errorf("escalation: unexpected event type %s", evt.Type)
	}
	var report Report
	if err := json.Unmarshal(evt.Payload, &report); err != nil {
		return Report{}, fmt.Errorf("escalation: decode event %s: %w", evt.EventID, err)
	}
	return report, nil
}

// Watch forwards execution.escalated events from router to sink until ctx
// is done.
func Watch(ctx context.Context, router *eventbridge.Router, sink Sink, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	sub := router.Subscribe(eventbridge.TypeExecutionEscalated)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			report, err := FromEvent(evt)
			if err != nil {
				logger.Error("escalation: decode", "event_id", evt.EventID, "error", err)
				continue
			}
			if err := sink.Raise(ctx, report); err != nil {
				logger.Error("escalation: raise", "execution_id", report.ExecutionID, "error", err)
				continue
			}
			logger.Warn("escalation: raised", "execution_id", report.ExecutionID, "graph", report.Graph, "reason", report.Reason)
		}
	}
}
