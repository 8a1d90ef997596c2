package temporal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

func TestApplicationErrorRoundTrip(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		code         toolerrors.Code
		kind         toolerrors.Kind
		nonRetryable bool
	}{
		{
			name:         "permanent",
			err:          toolerrors.New(toolerrors.CodeToolNotFound, toolerrors.KindPermanent, "no such tool"),
			code:         toolerrors.CodeToolNotFound,
			kind:         toolerrors.KindPermanent,
			nonRetryable: true,
		},
		{
			name: "transient",
			err:  toolerrors.New(toolerrors.CodeRemoteUnavailable, toolerrors.KindTransient, "connection refused"),
			code: toolerrors.CodeRemoteUnavailable,
			kind: toolerrors.KindTransient,
		},
		{
			name:         "fatal",
			err:          fmt.Errorf("wrapped: %w", toolerrors.New(toolerrors.CodeToolFailed, toolerrors.KindFatal, "corrupt")),
			code:         toolerrors.CodeToolFailed,
			kind:         toolerrors.KindFatal,
			nonRetryable: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var app *temporal.ApplicationError
			require.ErrorAs(t, toApplicationError(tc.err), &app)
			assert.Equal(t, string(tc.code), app.Type())
			assert.Equal(t, tc.nonRetryable, app.NonRetryable())

			te := fromApplicationError(app)
			assert.Equal(t, tc.code, te.Code)
			assert.Equal(t, tc.kind, te.Kind)
		})
	}
}

func TestToApplicationErrorKeepsApplicationErrors(t *testing.T) {
	orig := temporal.NewNonRetryableApplicationError("boom", "custom", nil)
	assert.Same(t, orig, toApplicationError(orig))
	assert.NoError(t, toApplicationError(nil))
}

func TestFromApplicationErrorWithoutDetails(t *testing.T) {
	te := fromApplicationError(temporal.NewApplicationError("flaky", "").(*temporal.ApplicationError))
	assert.Equal(t, toolerrors.CodeToolFailed, te.Code)
	assert.Equal(t, toolerrors.KindTransient, te.Kind)

	te = fromApplicationError(temporal.NewNonRetryableApplicationError("bad", "ToolNotFound", nil).(*temporal.ApplicationError))
	assert.Equal(t, toolerrors.KindPermanent, te.Kind)
}

func TestMapClientError(t *testing.T) {
	assert.NoError(t, mapClientError("s1", nil))

	err := mapClientError("s1", serviceerror.NewNotFound("workflow execution already completed"))
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.CodeSessionClosed, te.Code)

	err = mapClientError("s1", serviceerror.NewFailedPrecondition("closed"))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.CodeSessionClosed, te.Code)

	app := toApplicationError(toolerrors.New(toolerrors.CodeSessionClosed, toolerrors.KindPermanent, "session is closed"))
	err = mapClientError("s1", app)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.CodeSessionClosed, te.Code)

	other := errors.New("unavailable")
	assert.ErrorIs(t, mapClientError("s1", other), other)
}
