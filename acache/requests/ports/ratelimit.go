package requestports

import "context"

// RateLimiter paces outbound calls per endpoint.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
