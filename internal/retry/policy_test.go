package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedJitter(f float64) func() float64 {
	return func() float64 { return f }
}

func TestDecideLadder(t *testing.T) {
	p := NewPolicy(3)
	p.jitter = fixedJitter(1.0)

	d1 := p.Decide(1, ClassTimeout)
	require.True(t, d1.Retry)
	assert.Equal(t, 60*time.Second, d1.Delay)

	d2 := p.Decide(2, ClassUpstreamThrottled)
	require.True(t, d2.Retry)
	assert.Equal(t, 300*time.Second, d2.Delay)

	d3 := p.Decide(3, ClassWorkerCrash)
	require.True(t, d3.Retry)
	assert.Equal(t, 900*time.Second, d3.Delay)

	d4 := p.Decide(4, ClassTimeout)
	assert.False(t, d4.Retry, "ladder exhausted after attempt 3")
}

func TestDecideJitterBounds(t *testing.T) {
	p := NewPolicy(3)
	for i := 0; i < 200; i++ {
		d := p.Decide(1, ClassTimeout)
		require.True(t, d.Retry)
		assert.GreaterOrEqual(t, d.Delay, 54*time.Second)
		assert.LessOrEqual(t, d.Delay, 66*time.Second)
	}
}

func TestDecideNonRetryable(t *testing.T) {
	p := NewPolicy(3)
	for _, class := range []Class{ClassMalformedInput, ClassAuthFailure, ClassValidation} {
		d := p.Decide(1, class)
		assert.False(t, d.Retry, "class %s must short-circuit to terminal", class)
	}
}

func TestClassify(t *testing.T) {
	err := WrapClass(ClassAuthFailure, "fetch", errors.New("401"))
	assert.Equal(t, ClassAuthFailure, Classify(err))
	assert.Equal(t, "fetch", StageOf(err))

	wrapped := fmt.Errorf("stage failed: %w", err)
	assert.Equal(t, ClassAuthFailure, Classify(wrapped))

	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassUnknown, Classify(errors.New("boom")))
}

func TestWrapClassPreservesExisting(t *testing.T) {
	inner := WrapClass(ClassValidation, "", errors.New("bad input"))
	outer := WrapClass(ClassTimeout, "enrich_text", inner)
	assert.Equal(t, ClassValidation, Classify(outer))
	assert.Equal(t, "enrich_text", StageOf(outer))
}
