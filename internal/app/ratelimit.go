package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 1024
)

// userLimiter keeps one token bucket per user for mutating requests.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*userBucket
	now     func() time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newUserLimiter returns nil when perSecond is not positive, which disables limiting.
func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*userBucket),
		now:     time.Now,
	}
}

func (l *userLimiter) Allow(userID string) bool {
	if l == nil || userID == "" {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) >= limiterSweepSize {
		l.sweepLocked(now)
	}
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *userLimiter) sweepLocked(now time.Time) {
	for userID, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) > limiterIdleTTL {
			delete(l.buckets, userID)
		}
	}
}
