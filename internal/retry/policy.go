package retry

import (
	"math/rand"
	"time"
)

// Default delay ladder indexed by attempt number. The jitter factor keeps a
// burst of same-minute failures from re-submitting in lockstep.
var defaultLadder = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

const (
	jitterMin = 0.9
	jitterMax = 1.1
)

// Decision is the outcome of the policy for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy maps (attempt number, error class) to a retry decision. It is a pure
// decision function apart from the jitter draw.
type Policy struct {
	MaxRetries int
	Ladder     []time.Duration

	// jitter is overridable for deterministic tests.
	jitter func() float64
}

// NewPolicy builds a policy with the fixed 60s/300s/900s ladder.
func NewPolicy(maxRetries int) *Policy {
	if maxRetries <= 0 {
		maxRetries = len(defaultLadder)
	}
	return &Policy{
		MaxRetries: maxRetries,
		Ladder:     defaultLadder,
		jitter: func() float64 {
			return jitterMin + rand.Float64()*(jitterMax-jitterMin)
		},
	}
}

// Decide returns the decision for the attempt that just failed. Attempt
// numbers are 1-based: attempt 1 is the initial execution. Non-retryable
// classes and attempts past the ladder are terminal.
func (p *Policy) Decide(attempt int, class Class) Decision {
	if !class.Retryable() {
		return Decision{}
	}
	if attempt > p.MaxRetries || attempt > len(p.Ladder) {
		return Decision{}
	}
	base := p.Ladder[attempt-1]
	delay := time.Duration(float64(base) * p.jitter())
	return Decision{Retry: true, Delay: delay}
}
