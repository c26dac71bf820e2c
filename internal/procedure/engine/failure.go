package engine

import (
	"errors"
	"fmt"

	"github.com/kingrea/pathway/internal/procedure/resolver"
)

// Error kinds recorded on failed nodes.
const (
	KindHandlerFailed     = "HandlerFailed"
	KindHandlerNotFound   = "HandlerNotFound"
	KindRetriesExhausted  = "RetriesExhausted"
	KindNoMatchingEdge    = "NoMatchingEdge"
	KindUnresolved        = resolver.KindUnresolved
	KindDepthExceeded     = resolver.KindDepthExceeded
	KindTimeout           = "Timeout"
	KindReviewRejected    = "ReviewRejected"
	KindTerminalReached   = "TerminalReached"
	KindIntegrationFailed = "IntegrationFailed"
)

var (
	// ErrNotAwaitingInput is returned when a decision or integration result
	// targets a node that is not waiting for one.
	ErrNotAwaitingInput = errors.New("engine: node is not awaiting input")
	// ErrInvalidDecision is returned for review decisions other than
	// approve, reject, and request-more-info.
	ErrInvalidDecision = errors.New("engine: invalid review decision")
	// ErrInvalidMigration is returned when a migration cannot be applied.
	ErrInvalidMigration = errors.New("engine: invalid migration")
	// ErrInvalidGraph is returned when a pinned graph fails validation
	// before first use.
	ErrInvalidGraph = errors.New("engine: graph failed validation")
)

// Failure is a node-level error. It is converted into node state and never
// escapes a pass.
type Failure struct {
	Kind      string
	Message   string
	Retryable bool
}

func (f Failure) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func failure(kind, format string, args ...any) Failure {
	return Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
