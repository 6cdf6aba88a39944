package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// ErrRateLimitExceeded is returned when a bucket is empty. It carries
// errors.CodeRateLimit, so callers treat it like an upstream rate limit.
var ErrRateLimitExceeded = errors.New(errors.CodeRateLimit, "local rate limit exceeded")

// TokenBucket implements a token bucket rate limiter. Tokens come back only
// through refill, so it paces calls rather than bounding concurrency.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

// bucket represents a single token bucket for a key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key or fails with ErrRateLimitExceeded. The
// returned release is a no-op.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	if tb.refillRate > 0 {
		if add := int(now.Sub(b.lastRefill) / tb.refillRate); add > 0 {
			b.tokens = min(b.tokens+add, tb.capacity)
			b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
		}
	}

	if b.tokens <= 0 {
		return nil, ErrRateLimitExceeded
	}
	b.tokens--

	return func() {}, nil
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
