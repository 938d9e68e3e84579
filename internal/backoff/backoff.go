// Package backoff generates the jittered exponential reconnect delay
// sequence used by the channel client's rejoin logic and exposed to the
// user via Policy.ReconnectBackoff (spec §4.1, §9).
package backoff

import (
	"math/rand"
	"time"

	cenkalti "github.com/cenkalti/backoff/v5"
)

// Sequence produces successive delays that double from Min to Max with
// ±Jitter fractional randomization, resampled fresh on every Reset. The
// default matches spec's documented default: 1s to 60s, ±50%.
type Sequence struct {
	min, max time.Duration
	jitter   float64

	inner *cenkalti.ExponentialBackOff
}

// NewSequence builds a Sequence doubling from min to max with the given
// jitter fraction in [0,1].
func NewSequence(min, max time.Duration, jitter float64) *Sequence {
	inner := &cenkalti.ExponentialBackOff{
		InitialInterval:     min,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         max,
	}
	inner.Reset()

	return &Sequence{min: min, max: max, jitter: jitter, inner: inner}
}

// Default returns the agent's documented default sequence: doubling from 1s
// to 60s with ±50% jitter.
func Default() *Sequence {
	return NewSequence(1*time.Second, 60*time.Second, 0.5)
}

// Next returns the next delay in the sequence. The underlying
// ExponentialBackOff has no elapsed-time limit, so reconnection continues
// indefinitely.
func (s *Sequence) Next() time.Duration {
	d := s.inner.NextBackOff()
	if d == cenkalti.Stop {
		// not returned by ExponentialBackOff, but fail safe to Max rather
		// than propagate a negative delay.
		return s.max
	}
	return d
}

// Reset resamples the sequence from scratch, called on every successful
// (re)connect so a later disconnect starts small again.
func (s *Sequence) Reset() {
	s.inner.Reset()
}

// Jittered applies ±fraction randomization to d directly, used by callers
// that want one-off jitter (e.g. the network-probe retry loop) without a
// full Sequence.
func Jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
