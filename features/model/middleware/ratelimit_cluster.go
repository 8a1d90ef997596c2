package middleware

import (
	"context"

	"goa.design/pulse/rmap"
)

type rmapClusterMap struct {
	m *rmap.Map
}

// NewClusterAdaptiveRateLimiter returns a limiter whose budget is shared
// through the Pulse replicated map m under key. Budget changes made by one
// process are adopted by the others. A nil m, an empty key or a map that
// cannot be written at construction yields a process-local limiter.
func NewClusterAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func (c *rmapClusterMap) Get(_ context.Context, key string) (string, bool) {
	return c.m.Get(key)
}

func (c *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}

func (c *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}

// Subscribe coalesces map events into change notifications until ctx is
// done.
func (c *rmapClusterMap) Subscribe(ctx context.Context) <-chan struct{} {
	events := c.m.Subscribe()
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer c.m.Unsubscribe(events)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
