package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays as min(Max, Initial*Multiplier^attempt).
// Jitter is the largest fraction subtracted from that delay, so a jittered
// delay never exceeds Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff mirrors the reconnect policy used for streaming sources.
var DefaultBackoff = Backoff{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier == 0 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	return b
}

// Validate rejects shapes that would shrink or exceed their own cap.
func (b Backoff) Validate() error {
	switch {
	case b.Initial < 0 || b.Max < 0:
		return errors.New("backoff delays must be positive")
	case b.Max > 0 && b.Initial > b.Max:
		return errors.New("backoff initial delay exceeds max delay")
	case b.Multiplier != 0 && b.Multiplier < 1:
		return errors.New("backoff multiplier must be >= 1")
	case b.Jitter < 0 || b.Jitter >= 1:
		return errors.New("backoff jitter must be in [0,1)")
	}
	return nil
}

// Delay returns the un-jittered delay for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Next returns a jittered delay for attempt. It lies in
// [max(Delay(attempt-1), (1-Jitter)*Delay(attempt)), Delay(attempt)], so the
// delays of consecutive attempts never decrease.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	lo := d - time.Duration(float64(d)*math.Min(b.Jitter, 1))
	if attempt > 0 {
		if prev := b.Delay(attempt - 1); prev > lo {
			lo = prev
		}
	}
	if lo >= d {
		return d
	}
	return lo + time.Duration(rand.Int64N(int64(d-lo)+1))
}
