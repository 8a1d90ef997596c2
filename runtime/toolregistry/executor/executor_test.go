package executor

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/provider"
)

type (
	lookupArgs struct {
		Symbol string `json:"symbol"`
	}
	emptyArgs struct{}
)

func newNamespace(t *testing.T, calls *atomic.Int32) (tools.EndpointReference, func()) {
	t.Helper()
	ts := toolregistry.NewToolset()
	require.NoError(t, toolregistry.Register(ts, "stock_price", "Returns a stock price", func(_ context.Context, a lookupArgs) (string, error) {
		calls.Add(1)
		if a.Symbol == "" {
			return "", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "symbol is required")
		}
		return "$185.50", nil
	}))
	require.NoError(t, toolregistry.Register(ts, "slow_report", "Builds a report", func(ctx context.Context, _ emptyArgs) (string, error) {
		calls.Add(1)
		select {
		case <-time.After(30 * time.Millisecond):
			return "report ready", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, toolregistry.WithMode(tools.ModeAsync)))
	require.NoError(t, toolregistry.Register(ts, "flaky", "Always busy", func(context.Context, emptyArgs) (string, error) {
		return "", toolerrors.Transient("backend busy")
	}))

	jobs := provider.NewJobs(ts)
	p := provider.New("Finance", ts, provider.WithJobs(jobs))
	h, err := p.NewHTTPHandler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	ep := tools.EndpointReference{
		Namespace: "Finance",
		Transport: tools.TransportHTTP,
		URL:       srv.URL,
		Service:   p.ServiceName(),
	}
	return ep, func() {
		srv.Close()
		jobs.Stop()
	}
}

func TestDiscoverReturnsRemoteDefinitions(t *testing.T) {
	var calls atomic.Int32
	ep, stop := newNamespace(t, &calls)
	defer stop()

	defs, err := New().Discover(context.Background(), ep)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "stock_price", defs[0].Name)
	assert.Equal(t, "Finance", defs[0].Namespace)
	assert.Equal(t, tools.LocalityRemote, defs[0].Locality)
	assert.Equal(t, tools.ModeSync, defs[0].Endpoint.InvocationMode())
	assert.Equal(t, tools.ModeAsync, defs[1].Endpoint.InvocationMode())
	assert.NotEmpty(t, defs[0].Schema)
}

func TestExecuteSync(t *testing.T) {
	var calls atomic.Int32
	ep, stop := newNamespace(t, &calls)
	defer stop()
	ex := New()
	defs, err := ex.Discover(context.Background(), ep)
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), defs[0], []byte(`{"symbol":"AAPL"}`), "s1/1/2")
	require.NoError(t, err)
	assert.Equal(t, "$185.50", res)
}

func TestExecuteReportsEnvelopeErrors(t *testing.T) {
	var calls atomic.Int32
	ep, stop := newNamespace(t, &calls)
	defer stop()
	ex := New()
	defs, err := ex.Discover(context.Background(), ep)
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), defs[0], []byte(`{"symbol":""}`), "k1")
	te := toolerrors.Classify(err)
	assert.Equal(t, toolerrors.CodeInvalidArguments, te.Code)
	assert.Equal(t, toolerrors.KindPermanent, te.Kind)

	_, err = ex.Execute(context.Background(), defs[2], nil, "k2")
	te = toolerrors.Classify(err)
	assert.Equal(t, toolerrors.CodeRemoteUnavailable, te.Code)
	assert.True(t, te.Retryable())
}

func TestExecuteAsyncPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	ep, stop := newNamespace(t, &calls)
	defer stop()
	ex := New(WithPollInterval(5*time.Millisecond, 20*time.Millisecond))
	defs, err := ex.Discover(context.Background(), ep)
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), defs[1], nil, "s1/2/2")
	require.NoError(t, err)
	assert.Equal(t, "report ready", res)

	// A retried call with the same key joins the original job.
	res, err = ex.Execute(context.Background(), defs[1], nil, "s1/2/2")
	require.NoError(t, err)
	assert.Equal(t, "report ready", res)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUnreachableNamespaceIsTransient(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := New().Discover(context.Background(), tools.EndpointReference{
		Namespace: "IT", Transport: tools.TransportHTTP, URL: url, Service: toolregistry.ServiceName("IT"),
	})
	require.Error(t, err)
	te := toolerrors.Classify(err)
	assert.Equal(t, toolerrors.CodeRemoteUnavailable, te.Code)
	assert.True(t, te.Retryable())
}

func TestClassifyKeepsCancellation(t *testing.T) {
	err := Classify(context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassifyNexusFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code toolerrors.Code
		kind toolerrors.Kind
	}{
		{"bad request", &nexus.HandlerError{Type: nexus.HandlerErrorTypeBadRequest, Message: "invalid input"}, toolerrors.CodeInvalidArguments, toolerrors.KindPermanent},
		{"not found", &nexus.HandlerError{Type: nexus.HandlerErrorTypeNotFound, Message: "no such operation"}, toolerrors.CodeToolNotFound, toolerrors.KindPermanent},
		{"internal", &nexus.HandlerError{Type: nexus.HandlerErrorTypeInternal, Message: "internal error"}, toolerrors.CodeRemoteUnavailable, toolerrors.KindTransient},
		{"failed operation", nexus.NewOperationFailedError("refused"), toolerrors.CodeToolFailed, toolerrors.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			te := toolerrors.Classify(Classify(tc.err))
			assert.Equal(t, tc.code, te.Code)
			assert.Equal(t, tc.kind, te.Kind)
		})
	}
}
