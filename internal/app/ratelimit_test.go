package app

import (
	"fmt"
	"testing"
	"time"
)

func TestUserLimiterDisabled(t *testing.T) {
	var limiter *userLimiter
	if !limiter.Allow("alice") {
		t.Fatal("nil limiter must allow")
	}
	if newUserLimiter(0, 10) != nil {
		t.Fatal("zero rate should disable limiting")
	}
}

func TestUserLimiterRefillsAndSweeps(t *testing.T) {
	limiter := newUserLimiter(1, 1)
	now := t0
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("alice") || limiter.Allow("alice") {
		t.Fatal("burst of one should allow exactly one request")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("alice") {
		t.Fatal("bucket should refill after a second")
	}

	for i := 0; i < limiterSweepSize; i++ {
		limiter.Allow(fmt.Sprintf("user-%d", i))
	}
	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.Allow("late")
	if got := len(limiter.buckets); got != 1 {
		t.Fatalf("buckets after sweep = %d, want 1", got)
	}
}
