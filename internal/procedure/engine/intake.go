package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
)

// HandleEvent lets the engine serve as the event bridge processor.
func (e *Engine) HandleEvent(evt eventbridge.Event) error {
	return e.Intake(context.Background(), evt)
}

// Intake applies a validated inbound event. Errors carry the HTTP status
// the bridge should answer with.
func (e *Engine) Intake(ctx context.Context, evt eventbridge.Event) error {
	switch evt.Type {
	case eventbridge.TypeReviewDecision:
		payload, err := evt.DecodeDecision()
		if err != nil {
			return eventbridge.Reject(http.StatusBadRequest, err)
		}
		_, err = e.SubmitDecision(ctx, DecisionRequest{
			ExecutionID:     evt.ExecutionID,
			NodeID:          evt.NodeID,
			Decision:        payload.Decision,
			Notes:           payload.Notes,
			ExpectedVersion: evt.StateVersion,
		})
		return rejection(err)
	case eventbridge.TypeIntegrationResult:
		payload, err := evt.DecodeIntegration()
		if err != nil {
			return eventbridge.Reject(http.StatusBadRequest, err)
		}
		_, err = e.SubmitIntegrationResult(ctx, IntegrationResult{
			ExecutionID:     evt.ExecutionID,
			NodeID:          evt.NodeID,
			ExpectedVersion: evt.StateVersion,
			Success:         payload.Success,
			Output:          payload.Output,
			ErrorKind:       payload.ErrorKind,
			Message:         payload.Message,
			Retryable:       payload.Retryable,
		})
		return rejection(err)
	case eventbridge.TypeExecutionCancel:
		payload, err := evt.DecodeCancel()
		if err != nil {
			return eventbridge.Reject(http.StatusBadRequest, err)
		}
		return rejection(e.Cancel(ctx, evt.ExecutionID, payload.Reason))
	default:
		return eventbridge.Reject(http.StatusBadRequest, fmt.Errorf("engine: unsupported event type %q", evt.Type))
	}
}

func rejection(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, execution.ErrNotFound):
		return eventbridge.Reject(http.StatusNotFound, err)
	case errors.Is(err, execution.ErrConflict), errors.Is(err, ErrNotAwaitingInput):
		return eventbridge.Reject(http.StatusConflict, err)
	case errors.Is(err, ErrInvalidDecision):
		return eventbridge.Reject(http.StatusBadRequest, err)
	default:
		return err
	}
}
