package services

import (
	"context"
	"time"
)

// Throttle inserts a flat delay between successive external calls within one
// stage run, to stay under the generation backend's request-rate limits. The
// delay is constant regardless of how long the previous call took.
type Throttle struct {
	interval time.Duration
}

// NewThrottle returns a throttle with the given inter-call interval.
func NewThrottle(interval time.Duration) Throttle {
	return Throttle{interval: interval}
}

// Wait blocks for the full interval, or until ctx is done, in which case the
// context's error is returned.
func (t Throttle) Wait(ctx context.Context) error {
	if t.interval <= 0 {
		return nil
	}
	select {
	case <-time.After(t.interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
