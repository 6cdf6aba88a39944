package requests

import (
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sethvargo/go-retry"
)

// maxRateLimitDelay caps exponential growth so the delay cannot overflow.
const maxRateLimitDelay = time.Hour

// backoff picks the wait before the next attempt from the outcome of the last
// one. It never stops on its own; only the context ends a retry loop.
type backoff struct {
	unavailable time.Duration
	rateLimit   time.Duration // next exponential step, doubled on each use
	next        time.Duration
}

func newBackoff(unavailable, rateLimitInitial time.Duration) *backoff {
	return &backoff{unavailable: unavailable, rateLimit: rateLimitInitial}
}

// Next implements retry.Backoff.
func (b *backoff) Next() (time.Duration, bool) {
	return b.next, false
}

// observe records a retryable failure and returns the wait it implies. A
// server-suggested wait does not advance the exponential sequence.
func (b *backoff) observe(err error) time.Duration {
	switch errors.GetCode(err) {
	case errors.CodeRateLimit:
		if d, ok := retryAfter(err); ok {
			b.next = d
			break
		}
		b.next = b.rateLimit
		b.rateLimit = min(b.rateLimit*2, maxRateLimitDelay)
	default:
		b.next = b.unavailable
	}
	return b.next
}

var _ retry.Backoff = (*backoff)(nil)
