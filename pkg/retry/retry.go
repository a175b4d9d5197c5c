// Package retry implements exponential backoff with jitter for transport
// reconnection.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines backoff behavior for a retried operation.
type Policy struct {
	// MaxAttempts caps retries; -1 retries indefinitely.
	MaxAttempts int
	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter fraction.
	Jitter float64
}

// Default returns the policy used for peer links: exponential from 100ms,
// capped at 30s.
func Default() *Policy {
	return &Policy{
		MaxAttempts:    -1,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// NextBackoff returns the delay before the given zero-based attempt.
func (p *Policy) NextBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += (rand.Float64()*2 - 1) * backoff * p.Jitter
		if backoff < 0 {
			backoff = float64(p.InitialBackoff)
		}
	}
	return time.Duration(backoff)
}

// Execute runs op until it succeeds, attempts are exhausted, or ctx is
// canceled. The last error is returned.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; p.MaxAttempts < 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.MaxAttempts >= 0 && attempt >= p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.NextBackoff(attempt)):
		}
	}
	return lastErr
}
