package entitlement

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes bounded exponential retry delays with jitter.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// DefaultBackoff returns the delays used for provider retries.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		JitterFactor:    0.2,
	}
}

// NextInterval returns the delay before retry number attempt (1-based):
// min(InitialInterval * Multiplier^(attempt-1) * (1 ± JitterFactor), MaxInterval).
func (b Backoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := b.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	maxInterval := b.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if b.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*b.JitterFactor
	}
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}
	return time.Duration(interval)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
