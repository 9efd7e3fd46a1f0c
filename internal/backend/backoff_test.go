package backend

import (
	"testing"
	"time"
)

func zeroJitter(p Policy) Policy {
	p.jitter = func(time.Duration) time.Duration { return 0 }
	return p
}

// TestDelayScheduleDoubles verifies the exponential schedule from the
// 1s base.
func TestDelayScheduleDoubles(t *testing.T) {
	p := zeroJitter(DefaultPolicy())

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt, false); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// TestDelayMonotonicIgnoringJitter covers the ordering property: each
// attempt waits at least as long as the previous one.
func TestDelayMonotonicIgnoringJitter(t *testing.T) {
	p := zeroJitter(DefaultPolicy())

	var prev time.Duration
	for attempt := range 10 {
		got := p.Delay(attempt, false)
		if got < prev {
			t.Errorf("Delay(%d) = %v, less than previous %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestDelayCapped(t *testing.T) {
	p := zeroJitter(DefaultPolicy())

	if got := p.Delay(20, false); got != 30*time.Second {
		t.Errorf("Delay(20) = %v, want cap of 30s", got)
	}
	// Large exponents must not overflow past the cap.
	if got := p.Delay(200, false); got != 30*time.Second {
		t.Errorf("Delay(200) = %v, want cap of 30s", got)
	}
}

func TestRateLimitPenalty(t *testing.T) {
	p := zeroJitter(DefaultPolicy())

	if got, want := p.Delay(0, true), 6*time.Second; got != want {
		t.Errorf("Delay(0, rate limited) = %v, want %v", got, want)
	}
	if got, want := p.Delay(1, true), 7*time.Second; got != want {
		t.Errorf("Delay(1, rate limited) = %v, want %v", got, want)
	}
}

// TestJitterWithinBounds samples the real jitter and checks it stays
// inside [0, 30%) of the computed delay.
func TestJitterWithinBounds(t *testing.T) {
	p := DefaultPolicy()
	base := 4 * time.Second // attempt 2
	limit := base + time.Duration(jitterFraction*float64(base))

	for range 200 {
		got := p.Delay(2, false)
		if got < base || got >= limit {
			t.Fatalf("Delay(2) = %v, want in [%v, %v)", got, base, limit)
		}
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()

	if p.Base != time.Second || p.Cap != 30*time.Second || p.MaxAttempts != 3 {
		t.Errorf("withDefaults() = %+v, want 1s base, 30s cap, 3 attempts", p)
	}
	// An explicitly zero penalty stays zero.
	if p.RateLimitPenalty != 0 {
		t.Errorf("RateLimitPenalty = %v, want 0 when unset", p.RateLimitPenalty)
	}
}
