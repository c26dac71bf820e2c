package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the currently supported event version.
	EventSchemaVersion = 1
)

// Outbound event types published by the engine.
const (
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionCancelled = "execution.cancelled"
	TypeExecutionEscalated = "execution.escalated"
	TypeNodeCompleted      = "node.completed"
	TypeNodeFailed         = "node.failed"
	TypeReviewRequested    = "review.requested"
	TypeDependencyStarted  = "dependency.started"
)

// Inbound event types accepted by the HTTP intake.
const (
	TypeReviewDecision    = "review.decision"
	TypeIntegrationResult = "integration.result"
	TypeExecutionCancel   = "execution.cancel"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// Event is a single notification about an execution.
type Event struct {
	Version     int       `json:"version"`
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	ClientTime  time.Time `json:"client_time,omitzero"`
	ServerTime  time.Time `json:"server_time,omitzero"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Graph       string    `json:"graph,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	// StateVersion is the execution version the event was emitted at, or for
	// inbound events the version the sender expects.
	StateVersion int64           `json:"state_version,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.ExecutionID = strings.TrimSpace(e.ExecutionID)
	e.NodeID = strings.TrimSpace(e.NodeID)
	e.OwnerID = strings.TrimSpace(e.OwnerID)
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces schema requirements for inbound events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	switch e.Type {
	case TypeReviewDecision:
		if e.NodeID == "" {
			return errors.New("node_id is required")
		}
		var p DecisionPayload
		if err := e.decode(&p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Decision) == "" {
			return errors.New("payload.decision is required")
		}
	case TypeIntegrationResult:
		if e.NodeID == "" {
			return errors.New("node_id is required")
		}
		var p IntegrationPayload
		if err := e.decode(&p); err != nil {
			return err
		}
	case TypeExecutionCancel:
		var p CancelPayload
		if err := e.decode(&p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("type %s is not accepted", e.Type)
	}
	return nil
}

func (e Event) decode(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

// DecisionPayload is the body of a review.decision event.
type DecisionPayload struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

// IntegrationPayload is the body of an integration.result event.
type IntegrationPayload struct {
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// CancelPayload is the body of an execution.cancel event.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DecodeDecision returns the review.decision payload.
func (e Event) DecodeDecision() (DecisionPayload, error) {
	var p DecisionPayload
	return p, e.decode(&p)
}

// DecodeIntegration returns the integration.result payload.
func (e Event) DecodeIntegration() (IntegrationPayload, error) {
	var p IntegrationPayload
	return p, e.decode(&p)
}

// DecodeCancel returns the execution.cancel payload.
func (e Event) DecodeCancel() (CancelPayload, error) {
	var p CancelPayload
	return p, e.decode(&p)
}

// WithPayload marshals v into the event payload.
func (e Event) WithPayload(v any) Event {
	if v == nil {
		return e
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	e.Payload = data
	return e
}

// EventProcessor consumes validated inbound events.
type EventProcessor interface {
	HandleEvent(Event) error
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(Event) error

// HandleEvent executes f(e).
func (f EventProcessorFunc) HandleEvent(e Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// Publisher accepts outbound events.
type Publisher interface {
	Publish(Event)
}

// RejectError lets a processor choose the HTTP status for a refused event.
type RejectError struct {
	Status int
	Err    error
}

func (e *RejectError) Error() string {
	return e.Err.Error()
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Reject wraps err with an HTTP status.
func Reject(status int, err error) error {
	if err == nil {
		return nil
	}
	if status < 400 {
		status = http.StatusBadRequest
	}
	return &RejectError{Status: status, Err: err}
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Accepted      int64  `json:"accepted"`
	Rejected      int64  `json:"rejected"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventResponse struct {
	Status     string    `json:"status"`
	EventID    string    `json:"event_id"`
	ServerTime time.Time `json:"server_time"`
}

type errorResponse struct {
	Error string `json:"error"`
}
