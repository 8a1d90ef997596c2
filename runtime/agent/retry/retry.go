// Package retry implements exponential backoff with jitter for side effects.
// Whether an error is worth another attempt is decided by the caller through
// the classify function passed to Do, so transport-specific rules stay with
// the transport.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts counts the initial attempt. Values below 1 mean one attempt.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// Multiplier grows the delay after each attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Jitter randomizes each delay by up to this fraction in either
	// direction.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// PlannerPolicy is the default policy for planning calls: 5s doubling up to
// 60s.
func PlannerPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// ToolPolicy is the default policy for tool calls.
func ToolPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned by Do when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do calls fn until it succeeds, returns an error retryable reports as
// final, the attempt ceiling is reached, or ctx is done. attempt is 1-based.
// When ctx ends during a backoff wait Do returns ctx.Err().
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	start := time.Now()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ExhaustedError{Attempts: attempts, TotalDuration: time.Since(start), LastError: last}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Validate reports inconsistent settings.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	case p.InitialBackoff < 0 || p.MaxBackoff < 0:
		return fmt.Errorf("retry: backoff must not be negative")
	case p.MaxBackoff > 0 && p.MaxBackoff < p.InitialBackoff:
		return fmt.Errorf("retry: max backoff %v is below initial backoff %v", p.MaxBackoff, p.InitialBackoff)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("retry: jitter must be within [0,1], got %v", p.Jitter)
	}
	return nil
}
