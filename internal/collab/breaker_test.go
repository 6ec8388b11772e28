package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-orchestrator/internal/retry"
)

func serviceErr() error {
	return retry.WrapClass(retry.ClassResourceExhausted, "", errors.New("503"))
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	br := newBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, br.allow())
		br.record(serviceErr())
	}
	require.NoError(t, br.allow(), "still closed below the threshold")
	br.record(serviceErr())

	assert.ErrorIs(t, br.allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	br := newBreaker(3, time.Minute)

	br.record(serviceErr())
	br.record(serviceErr())
	br.record(nil)
	br.record(serviceErr())
	br.record(serviceErr())

	assert.NoError(t, br.allow(), "consecutive failures reset by a success")
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	br := newBreaker(2, time.Minute)

	// A 4xx says the request was wrong, not that the service is down.
	badReq := retry.WrapClass(retry.ClassValidation, "", errors.New("422"))
	for i := 0; i < 5; i++ {
		br.record(badReq)
	}
	assert.NoError(t, br.allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	br := newBreaker(2, 30*time.Second)
	br.now = func() time.Time { return now }

	br.record(serviceErr())
	br.record(serviceErr())
	require.ErrorIs(t, br.allow(), ErrCircuitOpen)

	// Cool-off elapses; trial calls are admitted.
	now = now.Add(31 * time.Second)
	require.NoError(t, br.allow())
	br.record(nil)
	require.NoError(t, br.allow())
	br.record(nil)

	assert.NoError(t, br.allow(), "two trial successes close the breaker")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	br := newBreaker(2, 30*time.Second)
	br.now = func() time.Time { return now }

	br.record(serviceErr())
	br.record(serviceErr())
	now = now.Add(31 * time.Second)
	require.NoError(t, br.allow())
	br.record(serviceErr())

	assert.ErrorIs(t, br.allow(), ErrCircuitOpen, "one bad trial call re-opens")
}

func TestOpenBreakerFailsFastWithoutCalling(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &nlpClient{base: srv.URL, http: srv.Client(), br: newBreaker(2, time.Minute)}
	for i := 0; i < 2; i++ {
		_, err := c.Analyze(context.Background(), "text")
		require.Error(t, err)
	}

	_, err := c.Analyze(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, retry.ClassResourceExhausted, retry.Classify(err), "rejection stays retryable")
	assert.Equal(t, int64(2), hits.Load(), "an open breaker never reaches the collaborator")
}
