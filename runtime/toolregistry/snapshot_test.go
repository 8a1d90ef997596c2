package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

var numberSchema = json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"],"additionalProperties":false}`)

func def(name string) tools.Definition {
	return tools.Definition{Name: name, Description: name + " tool", Schema: numberSchema}
}

func TestSnapshotEarlierNamespaceWins(t *testing.T) {
	c := NewCatalog([]string{"IT", "Finance"})
	c.Replace("Finance", []tools.Definition{def("lookup"), def("roi")})
	c.Replace("IT", []tools.Definition{def("lookup")})
	c.Replace(tools.LocalNamespace, []tools.Definition{def("calculator")})

	s, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	got, ok := s.Lookup("lookup")
	require.True(t, ok)
	assert.Equal(t, "IT", got.Namespace)

	shadowed, ok := s.Lookup("Finance.lookup")
	require.True(t, ok)
	assert.Equal(t, "Finance", shadowed.Namespace)

	names := make([]string, 0)
	for _, sum := range s.Summaries() {
		names = append(names, sum.Name)
	}
	assert.Equal(t, []string{"calculator", "lookup", "roi", "Finance.lookup"}, names)
}

func TestSnapshotIsImmutable(t *testing.T) {
	c := NewCatalog(nil)
	c.Replace("IT", []tools.Definition{def("get_ip")})
	s, err := c.Snapshot()
	require.NoError(t, err)

	c.Replace("IT", nil)
	_, ok := s.Lookup("get_ip")
	assert.True(t, ok, "a taken snapshot must not observe later discovery")
}

func TestResolveClassifiesFailures(t *testing.T) {
	c := NewCatalog(nil)
	c.Replace(tools.LocalNamespace, []tools.Definition{def("double")})
	s, err := c.Snapshot()
	require.NoError(t, err)

	_, te := s.Resolve("missing", nil)
	require.NotNil(t, te)
	assert.Equal(t, toolerrors.CodeToolNotFound, te.Code)
	assert.Equal(t, toolerrors.KindPermanent, te.Kind)

	_, te = s.Resolve("double", json.RawMessage(`{"x":"two"}`))
	require.NotNil(t, te)
	assert.Equal(t, toolerrors.CodeInvalidArguments, te.Code)

	_, te = s.Resolve("double", json.RawMessage(`{not json`))
	require.NotNil(t, te)
	assert.Equal(t, toolerrors.CodeInvalidArguments, te.Code)

	d, te := s.Resolve("double", json.RawMessage(`{"x":2}`))
	require.Nil(t, te)
	assert.Equal(t, "double", d.Name)
}

func TestCheckDefinition(t *testing.T) {
	assert.Error(t, CheckDefinition(tools.Definition{}))
	assert.Error(t, CheckDefinition(tools.Definition{Name: "a.b"}))
	assert.Error(t, CheckDefinition(tools.Definition{Name: "bad", Schema: json.RawMessage(`{"type":7}`)}))
	assert.NoError(t, CheckDefinition(tools.Definition{Name: "ok"}))
}

type calcArgs struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression"`
}

func TestToolsetReflectsSchemaAndDecodesArgs(t *testing.T) {
	ts := NewToolset()
	require.NoError(t, Register(ts, "calculator", "Evaluates arithmetic", func(_ context.Context, a calcArgs) (string, error) {
		return "eval " + a.Expression, nil
	}))
	require.Error(t, Register(ts, "calculator", "dup", func(context.Context, calcArgs) (string, error) { return "", nil }))

	defs := ts.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, tools.LocalityLocal, defs[0].Locality)
	assert.Contains(t, string(defs[0].Schema), `"expression"`)

	// The reflected schema is enforced by snapshots.
	c := NewCatalog(nil)
	c.Replace(tools.LocalNamespace, defs)
	s, err := c.Snapshot()
	require.NoError(t, err)
	_, te := s.Resolve("calculator", json.RawMessage(`{}`))
	require.NotNil(t, te)
	assert.Equal(t, toolerrors.CodeInvalidArguments, te.Code)

	out, err := ts.Execute(context.Background(), "calculator", json.RawMessage(`{"expression":"1+1"}`))
	require.NoError(t, err)
	assert.Equal(t, "eval 1+1", out)

	_, err = ts.Execute(context.Background(), "nope", nil)
	assert.Equal(t, toolerrors.CodeToolNotFound, toolerrors.CodeOf(err))
}

func TestToolsetAcceptsUnnamedArgStructs(t *testing.T) {
	ts := NewToolset()
	err := Register(ts, "lookup", "Looks up an employee", func(_ context.Context, a struct {
		Name string `json:"name"`
	}) (string, error) {
		return "found " + a.Name, nil
	})
	require.NoError(t, err)

	defs := ts.Definitions()
	require.Len(t, defs, 1)
	assert.Contains(t, string(defs[0].Schema), `"name"`)

	c := NewCatalog(nil)
	c.Replace(tools.LocalNamespace, defs)
	s, err := c.Snapshot()
	require.NoError(t, err)
	_, te := s.Resolve("lookup", json.RawMessage(`{"name":"Ada"}`))
	assert.Nil(t, te)

	out, err := ts.Execute(context.Background(), "lookup", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, "found Ada", out)
}
