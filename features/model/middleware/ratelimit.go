// Package middleware provides planner middlewares such as adaptive rate
// limiting.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/planner"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front
	// of a planner. It estimates the token cost of each planning call, blocks
	// callers until capacity is available, and halves its tokens-per-minute
	// budget when the provider reports throttling (planner.ErrRateLimited).
	// Successful calls raise the budget again by a fixed step.
	//
	// Construct one instance per process. When a cluster map is supplied the
	// budget is shared by every process using the same key.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedPlanner struct {
		next    planner.Planner
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the shared budget store used by the cluster-aware
	// limiter.
	clusterMap interface {
		Get(ctx context.Context, key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe(ctx context.Context) <-chan struct{}
	}
)

// NewAdaptiveRateLimiter constructs a process-local limiter with a
// tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	return newAdaptiveRateLimiter(initialTPM, maxTPM)
}

// newAdaptiveRateLimiter clamps maxTPM to at least initialTPM and derives the
// floor (10%) and the recovery step (5%) from initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := max(initialTPM*0.1, 1)
	recoveryRate := max(initialTPM*0.05, 1)
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a planner middleware enforcing the limit.
func (l *AdaptiveRateLimiter) Middleware() planner.Middleware {
	return func(next planner.Planner) planner.Planner {
		return &limitedPlanner{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (p *limitedPlanner) Plan(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error) {
	if err := p.limiter.limiter.WaitN(ctx, estimateTokens(in)); err != nil {
		return nil, err
	}
	d, err := p.next.Plan(ctx, in)
	p.limiter.observe(err)
	return d, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, planner.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := max(l.currentTPM*0.5, l.minTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM adopts a budget published by another process, clamped to
// [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates one token per three characters of prompt,
// plus a fixed overhead for the system prompt and framing.
func estimateTokens(in *api.PlanInput) int {
	chars := 0
	for _, m := range in.Messages {
		chars += len(m.Content)
	}
	for _, t := range in.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.Schema)
	}
	if chars == 0 {
		return 500
	}
	return max(chars/3, 1) + 500
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if _, ok := m.Get(ctx, key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Unreachable shared store: run process-local.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	sharedTPM := initialTPM
	if cur, ok := m.Get(ctx, key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.mu.Lock()
	l.onBackoff = func(float64) { go globalBackoff(context.Background(), m, key, floor) }
	l.onProbe = func(float64) { go globalProbe(context.Background(), m, key, step, ceiling) }
	l.mu.Unlock()

	ch := m.Subscribe(ctx)
	go func() {
		for range ch {
			cur, ok := m.Get(ctx, key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()
	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	adjustShared(ctx, m, key, func(cur float64) (float64, bool) {
		return max(cur*0.5, floor), true
	})
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	adjustShared(ctx, m, key, func(cur float64) (float64, bool) {
		if cur >= ceiling {
			return cur, false
		}
		return min(cur+step, ceiling), true
	})
}

// adjustShared applies next to the shared budget with optimistic
// concurrency, giving up after a few lost races.
func adjustShared(ctx context.Context, m clusterMap, key string, next func(float64) (float64, bool)) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for range maxAttempts {
		curStr, ok := m.Get(ctx, key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		v, apply := next(cur)
		if !apply {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(v)))
		if err != nil || prev == curStr {
			return
		}
	}
}
