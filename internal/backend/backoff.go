package backend

import (
	"math"
	"math/rand/v2"
	"time"
)

// jitterFraction caps the random addition at 30% of the computed
// delay.
const jitterFraction = 0.3

// Policy describes the retry schedule for remote calls.
type Policy struct {
	Base             time.Duration
	Cap              time.Duration
	MaxAttempts      int
	RateLimitPenalty time.Duration
	// RetryServerErrors opts 5xx responses into the retry schedule.
	// Off by default: repeated retries against a failing backend tend
	// to make outages worse.
	RetryServerErrors bool

	// jitter overrides the random addition; tests install a
	// deterministic one.
	jitter func(d time.Duration) time.Duration
}

// DefaultPolicy doubles a 1s base up to a 30s cap across 3 attempts
// and adds a 5s surcharge after a rate-limit response.
func DefaultPolicy() Policy {
	return Policy{
		Base:             time.Second,
		Cap:              30 * time.Second,
		MaxAttempts:      3,
		RateLimitPenalty: 5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns the pause before the next attempt. attempt is the
// 0-based index of the attempt that just failed; rateLimited marks a
// 429 failure, which earns the penalty on top of the jittered delay.
func (p Policy) Delay(attempt int, rateLimited bool) time.Duration {
	d := time.Duration(float64(p.Base) * math.Pow(2, float64(attempt)))
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	delay := d + p.jitterFor(d)
	if rateLimited {
		delay += p.RateLimitPenalty
	}
	return delay
}

func (p Policy) jitterFor(d time.Duration) time.Duration {
	if p.jitter != nil {
		return p.jitter(d)
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * jitterFraction * float64(d))
}
