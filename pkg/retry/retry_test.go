package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := &Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.NextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, p.NextBackoff(1))
	assert.Equal(t, 400*time.Millisecond, p.NextBackoff(2))
	// Far past the cap.
	assert.Equal(t, 30*time.Second, p.NextBackoff(20))
}

func TestBackoffJitterStaysNearBase(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.NextBackoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 33*time.Second) // cap plus 10% jitter
	}
}

func TestExecuteStopsAfterMaxAttempts(t *testing.T) {
	p := &Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}

	calls := 0
	wantErr := errors.New("boom")
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls) // initial try plus two retries
}

func TestExecuteReturnsOnSuccess(t *testing.T) {
	p := &Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	p := &Policy{
		MaxAttempts:    -1,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     1.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, func(context.Context) error {
		return errors.New("always failing")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
