// Package backoff provides retry delay policies and a context-aware sleep.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Policy computes the delay before retry number attempt (1-based).
type Policy interface {
	Delay(attempt int) time.Duration
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// ExponentialPolicy adapts Exponential to the Policy interface.
type ExponentialPolicy Config

// Delay implements Policy.
func (p ExponentialPolicy) Delay(attempt int) time.Duration {
	cfg := Config(p)
	return Exponential(attempt, &cfg)
}

// Fixed waits the same duration before every attempt.
type Fixed time.Duration

// Delay implements Policy.
func (f Fixed) Delay(int) time.Duration {
	return time.Duration(f)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
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
