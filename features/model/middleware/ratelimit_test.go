package middleware

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/planner"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

type fakePlanner struct {
	err   error
	calls int
}

func (f *fakePlanner) Plan(context.Context, *api.PlanInput) (*api.PlanDecision, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &api.PlanDecision{Action: api.ActionRespond, Response: "ok"}, nil
}

func hello() *api.PlanInput {
	return &api.PlanInput{Messages: []api.Message{{Role: api.RoleUser, Content: "hello"}}}
}

func rateLimited() error {
	return fmt.Errorf("%w (%w)", toolerrors.Transient("429"), planner.ErrRateLimited)
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	wrapped := limiter.Middleware()(&fakePlanner{err: rateLimited()})

	_, err := wrapped.Plan(context.Background(), hello())
	require.Error(t, err)
	assert.Less(t, limiter.CurrentTPM(), 60000.0)
}

func TestAdaptiveRateLimiter_OtherErrorsKeepBudget(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	wrapped := limiter.Middleware()(&fakePlanner{err: toolerrors.Transient("503")})

	_, err := wrapped.Plan(context.Background(), hello())
	require.Error(t, err)
	assert.Equal(t, 60000.0, limiter.CurrentTPM())
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	limiter.mu.Lock()
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	_, err := limiter.Middleware()(&fakePlanner{}).Plan(context.Background(), hello())
	require.NoError(t, err)
	assert.Equal(t, 61000.0, limiter.CurrentTPM())
}

func TestAdaptiveRateLimiter_RespectsLimiterWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)
	limiter.mu.Lock()
	// An impossible limiter rejects any non-zero request without waiting.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	p := &fakePlanner{}
	in := &api.PlanInput{Messages: []api.Message{{Role: api.RoleUser, Content: strings.Repeat("a", 600)}}}
	_, err := limiter.Middleware()(p).Plan(context.Background(), in)
	require.Error(t, err)
	assert.Zero(t, p.calls)
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(&api.PlanInput{Messages: []api.Message{{Content: "short"}}})
	big := estimateTokens(&api.PlanInput{Messages: []api.Message{{Content: "this is a much longer message"}}})
	assert.Positive(t, small)
	assert.Greater(t, big, small)
}

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan struct{}
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{values: make(map[string]string), ch: make(chan struct{}, 1)}
}

func (m *fakeClusterMap) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	select {
	case m.ch <- struct{}{}:
	default:
	}
	return cur, nil
}

func (m *fakeClusterMap) Subscribe(context.Context) <-chan struct{} { return m.ch }

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "planner"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	_, _ = lim.Middleware()(&fakePlanner{err: rateLimited()}).Plan(ctx, hello())

	require.Eventually(t, func() bool {
		v, ok := m.Get(ctx, key)
		if !ok {
			return false
		}
		cur, err := strconv.Atoi(v)
		return err == nil && cur < 80000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiter_AdoptsSharedBudget(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "planner"
	m.values[key] = "40000"

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	assert.Equal(t, 40000.0, lim.CurrentTPM())

	_, err := m.TestAndSet(ctx, key, "40000", "20000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lim.CurrentTPM() == 20000 }, time.Second, 5*time.Millisecond)
}
