package temporal

// errors.go maps failures across the Temporal boundary.
//
// Contract:
// - A classified failure crosses as an ApplicationError whose type is the
//   failure code and whose first detail is the failure kind.
// - Client calls against a missing or completed execution surface as
//   engine.ErrWorkflowNotFound or a SessionClosed ToolError.

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

// toApplicationError converts err into the error an activity or update
// handler returns to Temporal.
func toApplicationError(err error) error {
	if err == nil {
		return nil
	}
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		return err
	}
	te := toolerrors.Classify(err)
	return temporal.NewApplicationErrorWithOptions(te.Message, string(te.Code), temporal.ApplicationErrorOptions{
		NonRetryable: te.Kind != toolerrors.KindTransient,
		Cause:        err,
		Details:      []any{string(te.Kind)},
	})
}

// fromApplicationError recovers the classified failure carried by app.
// Errors raised by other code are transient unless marked non-retryable.
func fromApplicationError(app *temporal.ApplicationError) *toolerrors.ToolError {
	kind := toolerrors.KindTransient
	if app.NonRetryable() {
		kind = toolerrors.KindPermanent
	}
	if app.HasDetails() {
		var k string
		if err := app.Details(&k); err == nil && k != "" {
			kind = toolerrors.Kind(k)
		}
	}
	code := toolerrors.Code(app.Type())
	if code == "" {
		code = toolerrors.CodeToolFailed
	}
	return toolerrors.New(code, kind, app.Message())
}

// mapClientError translates service errors returned by client calls on an
// existing session.
func mapClientError(workflowID string, err error) error {
	if err == nil {
		return nil
	}
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		return fromApplicationError(app)
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s: %w", engine.ErrWorkflowNotFound, workflowID, closedError())
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return closedError()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("session %s: %w", workflowID, err)
}

func closedError() *toolerrors.ToolError {
	return toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed")
}
