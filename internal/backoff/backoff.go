// Package backoff computes reconnect delays. It performs no I/O and never
// sleeps; callers feed the returned delay to their own interruptible timer.
package backoff

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase       = 1 * time.Second
	DefaultMax        = 60 * time.Second
	DefaultMultiplier = 1.5
	MaxJitter         = 0.5
)

var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Policy describes a truncated exponential backoff. Delay for attempt n
// (0-based) is Base*Multiplier^n, capped at Max. With Jitter j > 0 the delay
// is spread uniformly over [d*(1-j), d*(1+j)] and then capped at Max again.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// State is the retry bookkeeping owned by one reconnect loop.
type State struct {
	Attempt int
	Delay   time.Duration
}

// Default starts at one second and grows by 1.5x up to one minute.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Multiplier: DefaultMultiplier}
}

// Validate reports whether the policy can produce a sane sequence.
func (p Policy) Validate() error {
	switch {
	case p.Base <= 0:
		return fmt.Errorf("%w: base must be > 0 (got %v)", ErrInvalidPolicy, p.Base)
	case p.Max < p.Base:
		return fmt.Errorf("%w: max %v below base %v", ErrInvalidPolicy, p.Max, p.Base)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1 (got %v)", ErrInvalidPolicy, p.Multiplier)
	case p.Jitter < 0 || p.Jitter > MaxJitter:
		return fmt.Errorf("%w: jitter must be within [0,%v] (got %v)", ErrInvalidPolicy, MaxJitter, p.Jitter)
	}
	return nil
}

// Reset returns the initial retry state.
func (Policy) Reset() State { return State{} }

// Delay returns the un-jittered delay for a 0-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	limit := float64(p.Max)
	for i := 0; i < attempt && d < limit; i++ {
		d *= p.Multiplier
	}
	if d > limit {
		d = limit
	}
	return time.Duration(d)
}

// Next returns the delay to wait before the next attempt and the advanced state.
func (p Policy) Next(s State) (time.Duration, State) {
	d := p.jitter(p.Delay(s.Attempt))
	return d, State{Attempt: s.Attempt + 1, Delay: d}
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	f := 1 + p.Jitter*(2*rnd()-1)
	out := time.Duration(float64(d) * f)
	if out > p.Max {
		out = p.Max
	}
	if out < 0 {
		out = 0
	}
	return out
}
