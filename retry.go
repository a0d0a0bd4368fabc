package gdwatch

import (
	"context"
	"time"
)

// DefaultRetryDelay is the wait before retrying a failed poll cycle.
const DefaultRetryDelay = 5 * time.Second

// RetryPolicy decides how long the poller waits after a failed cycle.
//
// With MinDelay == MaxDelay (the default) the delay is fixed. Otherwise the
// delay doubles from MinDelay on each consecutive failure, capped at MaxDelay.
type RetryPolicy struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// Sleep waits for d or until ctx is done. nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits a fixed DefaultRetryDelay between failed cycles.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinDelay: DefaultRetryDelay,
		MaxDelay: DefaultRetryDelay,
	}
}

// Delay returns the wait before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.MinDelay <= 0 {
		return 0
	}
	if p.MaxDelay <= p.MinDelay || attempt <= 1 {
		return p.MinDelay
	}
	d := p.MinDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Wait sleeps for the delay of the given attempt.
// It returns ctx.Err() when the context ends first.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
