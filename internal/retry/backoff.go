// Package retry provides exponential backoff for transient failures in
// outbound HTTP calls and database writes.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffConfig controls the retry schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultBackoffConfig returns the schedule used when the caller does not
// supply one: five attempts, 100ms doubling up to a 30s ceiling, jittered.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Backoff runs operations on a growing delay schedule. It carries no
// per-call state and is safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig
}

// NewBackoff creates a Backoff with the given schedule.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg}
}

// Retry runs op until it succeeds, the attempt budget is exhausted, or ctx
// is done. The operation always runs at least once, even when MaxAttempts
// is below one. When every attempt fails the last error is returned.
func (b *Backoff) Retry(ctx context.Context, op func() error) error {
	return b.run(ctx, op, nil)
}

// RetryWithPredicate behaves like Retry but gives up immediately when
// isRetryable reports the error as permanent.
func (b *Backoff) RetryWithPredicate(ctx context.Context, op func() error, isRetryable func(error) bool) error {
	return b.run(ctx, op, isRetryable)
}

func (b *Backoff) run(ctx context.Context, op func() error, isRetryable func(error) bool) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr := op()
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt >= b.cfg.MaxAttempts {
			return lastErr
		}

		timer := time.NewTimer(b.delayFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// delayFor computes the sleep after the attempt-th failure. Growth is
// geometric from InitialDelay and capped at MaxDelay; the optional +-25%
// spread keeps simultaneous retriers from staying in lock step.
func (b *Backoff) delayFor(attempt int) time.Duration {
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt-1))
	if ceiling := float64(b.cfg.MaxDelay); d > ceiling {
		d = ceiling
	}

	if b.cfg.Jitter {
		d += (randomUnit()*2 - 1) * 0.25 * d
		if d < 0 {
			d = float64(b.cfg.InitialDelay)
		}
		if ceiling := float64(b.cfg.MaxDelay); d > ceiling {
			d = ceiling
		}
	}

	return time.Duration(d)
}

// GetNextDelay exposes the schedule for tests and logging.
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.delayFor(attempt)
}

// randomUnit returns a uniform value in [0, 1).
func randomUnit() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// crypto/rand failing is effectively fatal elsewhere; degrade to a
		// clock-derived value rather than panicking inside a retry loop.
		return float64(time.Now().UnixNano()%(1<<20)) / float64(1<<20)
	}
	return float64(n.Int64()) / float64(1<<53)
}
