package collab

import (
	"errors"
	"sync"
	"time"

	"ingest-orchestrator/internal/retry"
)

// ErrCircuitOpen reports that a collaborator's breaker is rejecting calls
// while the service cools off.
var ErrCircuitOpen = errors.New("circuit open")

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second

	// The scraper talks to flaky upstream platforms; give it more slack
	// before tripping and a longer cool-off.
	scraperFailureThreshold = 10
	scraperRecoveryTimeout  = 120 * time.Second

	halfOpenMaxCalls = 3
	successThreshold = 2
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker guards one collaborator. Consecutive service-side failures trip it
// open, calls then fail fast until the recovery timeout elapses, and a small
// number of trial calls in half-open decides between closing and re-opening.
type breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         breakerState
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
}

func newBreaker(threshold int, recovery time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = defaultRecoveryTimeout
	}
	return &breaker{threshold: threshold, recovery: recovery, now: time.Now}
}

// allow reports whether a call may proceed. An open breaker past its recovery
// timeout moves to half-open and admits a bounded number of trial calls.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.lastFailure) < b.recovery {
			return ErrCircuitOpen
		}
		b.state = stateHalfOpen
		b.halfOpenCalls = 1
		b.successes = 0
		return nil
	default: // half-open
		if b.halfOpenCalls >= halfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil
	}
}

// record feeds a call outcome back. Only service-side failures count toward
// tripping: a 4xx says the request was wrong, not that the service is down.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && isServiceFailure(err) {
		b.lastFailure = b.now()
		b.failures++
		// Any half-open failure goes straight back to open.
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			b.state = stateOpen
			b.failures = 0
			b.successes = 0
		}
		return
	}

	if b.state == stateHalfOpen {
		b.successes++
		if b.successes >= successThreshold {
			b.state = stateClosed
			b.failures = 0
			b.successes = 0
		}
		return
	}
	b.failures = 0
}

func isServiceFailure(err error) bool {
	switch retry.Classify(err) {
	case retry.ClassTimeout, retry.ClassUpstreamThrottled, retry.ClassResourceExhausted:
		return true
	}
	return false
}
