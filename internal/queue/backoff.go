package queue

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a failed job becomes available
// again: exponential in the attempt number, capped, with jitter so that
// units failing in lockstep don't retry in lockstep.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// JitterFrac scales the random spread: delay is drawn uniformly from
	// [base*(1-f), base*(1+f)]. Zero disables jitter.
	JitterFrac float64
}

// DefaultBackoff mirrors the retry curve used for collector runs:
// 1s, 2s, 4s, ... capped at 2 minutes, +/-25% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2.0,
		JitterFrac: 0.25,
	}
}

// Delay returns the backoff before the given retry. attempt is 1-based: the
// delay after the first failure is Delay(1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		base *= p.Multiplier
		if base >= float64(p.Max) {
			base = float64(p.Max)
			break
		}
	}
	if base > float64(p.Max) {
		base = float64(p.Max)
	}
	if p.JitterFrac > 0 {
		spread := base * p.JitterFrac
		base = base - spread + rand.Float64()*2*spread
	}
	if base < float64(time.Millisecond) {
		base = float64(time.Millisecond)
	}
	return time.Duration(base)
}
