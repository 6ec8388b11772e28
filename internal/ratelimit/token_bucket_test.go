package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, tiers map[string]int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, tiers, time.Minute)
}

func TestAllowWithinQuota(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, map[string]int{"low": 10})

	// A tenant at 10 rpm gets exactly 10 immediate admissions; the 11th is
	// rejected with the admission error.
	for i := 0; i < 10; i++ {
		if err := limiter.Allow(ctx, "acme", "low"); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
	}
	err := limiter.Allow(ctx, "acme", "low")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th request should be rate limited, got %v", err)
	}
}

func TestBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, map[string]int{"low": 1, "high": 1})

	if err := limiter.Allow(ctx, "acme", "low"); err != nil {
		t.Fatalf("acme/low: %v", err)
	}
	if err := limiter.Allow(ctx, "acme", "low"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("acme/low bucket should be empty, got %v", err)
	}

	// Other tenants and other tiers keep their own buckets.
	if err := limiter.Allow(ctx, "globex", "low"); err != nil {
		t.Fatalf("globex/low: %v", err)
	}
	if err := limiter.Allow(ctx, "acme", "high"); err != nil {
		t.Fatalf("acme/high: %v", err)
	}
}

func TestUnknownTier(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, map[string]int{"normal": 30})

	if err := limiter.Allow(ctx, "acme", "urgent"); err == nil {
		t.Fatal("unconfigured tier must error")
	}
}
