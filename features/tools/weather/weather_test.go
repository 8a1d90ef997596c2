package weather

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
)

func TestLookup(t *testing.T) {
	out, err := Lookup(context.Background(), Args{City: "Paris"})
	require.NoError(t, err)
	assert.Equal(t, "Weather in Paris: Sunny, 72°F", out)

	out, err = Lookup(context.Background(), Args{Location: "Lyon"})
	require.NoError(t, err)
	assert.Equal(t, "Weather in Lyon: Sunny, 72°F", out)

	out, err = Lookup(context.Background(), Args{})
	require.NoError(t, err)
	assert.Equal(t, "Weather in Unknown: Sunny, 72°F", out)
}

func TestRejectsMalformedArguments(t *testing.T) {
	ts := toolregistry.NewToolset()
	require.NoError(t, Register(ts))
	_, err := ts.Execute(context.Background(), Name, json.RawMessage(`{"city": 3}`))
	assert.Equal(t, toolerrors.CodeInvalidArguments, toolerrors.CodeOf(err))
}
