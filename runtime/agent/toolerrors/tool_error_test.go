package toolerrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code Code
		kind Kind
	}{
		{"plain error", errors.New("connection reset"), CodeRemoteUnavailable, KindTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeRemoteUnavailable, KindTransient},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), CodeCanceled, KindFatal},
		{"classified", Permanent("division by zero"), CodeToolFailed, KindPermanent},
		{"wrapped classified", fmt.Errorf("dispatch: %w", New(CodeToolNotFound, KindPermanent, "")), CodeToolNotFound, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			te := Classify(tc.err)
			require.NotNil(t, te)
			assert.Equal(t, tc.code, te.Code)
			assert.Equal(t, tc.kind, te.Kind)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestWrapKeepsCauseChain(t *testing.T) {
	root := errors.New("socket closed")
	te := Wrap(CodeRemoteUnavailable, KindPermanent, "gave up after 3 attempts", fmt.Errorf("attempt 3: %w", root))

	assert.Equal(t, "RemoteUnavailable: gave up after 3 attempts", te.Error())
	require.NotNil(t, te.Cause)
	assert.Equal(t, "attempt 3: socket closed", te.Cause.Message)
	require.NotNil(t, te.Cause.Cause)
	assert.Equal(t, "socket closed", te.Cause.Cause.Message)
	assert.False(t, te.Retryable())
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", New(CodeSessionClosed, KindPermanent, "session is closed"))
	assert.ErrorIs(t, err, &ToolError{Code: CodeSessionClosed})
	assert.NotErrorIs(t, err, &ToolError{Code: CodeCanceled})
	assert.Equal(t, CodeSessionClosed, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("other")))
}

func TestChainSurvivesJSON(t *testing.T) {
	te := Wrap(CodePlanningFailed, KindPermanent, "", Transient("rate limited"))
	data, err := json.Marshal(te)
	require.NoError(t, err)

	var got ToolError
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, CodePlanningFailed, got.Code)
	assert.ErrorIs(t, &got, &ToolError{Code: CodeRemoteUnavailable}, "cause is reachable after decoding")
	assert.Equal(t, "RemoteUnavailable: rate limited", got.Message)
}

func TestNewDefaultsMessageToCode(t *testing.T) {
	assert.Equal(t, "TurnBudgetExceeded: TurnBudgetExceeded", New(CodeTurnBudgetExceeded, KindPermanent, "").Error())
	var nilErr *ToolError
	assert.Empty(t, nilErr.Error())
	assert.NoError(t, nilErr.Unwrap())
}
