package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoublingSequenceMatchesReconnectScenario(t *testing.T) {
	p := Policy{Base: time.Second, Max: 8 * time.Second, Multiplier: 2}
	require.NoError(t, p.Validate())

	st := p.Reset()
	var got []time.Duration
	for i := 0; i < 3; i++ {
		var d time.Duration
		d, st = p.Next(st)
		got = append(got, d)
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got)
	require.Equal(t, 3, st.Attempt)

	// a successful connection resets the sequence
	st = p.Reset()
	d, _ := p.Next(st)
	require.Equal(t, time.Second, d)
}

func TestDelayIsNonDecreasingAndCapped(t *testing.T) {
	p := Policy{Base: 20 * time.Millisecond, Max: 500 * time.Millisecond, Multiplier: 1.5}
	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := p.Delay(n)
		require.GreaterOrEqualf(t, d, prev, "attempt %d", n)
		require.LessOrEqualf(t, d, p.Max, "attempt %d", n)
		prev = d
	}
	require.Equal(t, p.Max, p.Delay(1000))
}

func TestDelayDeterministic(t *testing.T) {
	p := Default()
	for n := 0; n < 20; n++ {
		require.Equal(t, p.Delay(n), p.Delay(n))
	}
	require.Equal(t, p.Base, p.Delay(-3))
}

func TestJitterStaysInBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.1}
	st := p.Reset()
	for i := 0; i < 200; i++ {
		base := p.Delay(st.Attempt)
		var d time.Duration
		d, st = p.Next(st)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		if hi > p.Max {
			hi = p.Max
		}
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
		if i%8 == 7 {
			st = p.Reset()
		}
	}
}

func TestJitterUsesInjectedSource(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}
	p.Rand = func() float64 { return 0 }
	d, _ := p.Next(p.Reset())
	require.Equal(t, 500*time.Millisecond, d)

	p.Rand = func() float64 { return 0.5 }
	d, _ = p.Next(p.Reset())
	require.Equal(t, time.Second, d)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"zeroBase", Policy{Base: 0, Max: time.Second, Multiplier: 2}},
		{"maxBelowBase", Policy{Base: time.Second, Max: time.Millisecond, Multiplier: 2}},
		{"shrinking", Policy{Base: time.Second, Max: time.Minute, Multiplier: 0.5}},
		{"negativeJitter", Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: -0.1}},
		{"hugeJitter", Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.9}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.p.Validate(), ErrInvalidPolicy)
		})
	}
	require.NoError(t, Default().Validate())
}
