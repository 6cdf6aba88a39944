package adapters

import (
	"context"

	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// NoopCache never hits and drops every value.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (string, bool) { return "", false }
func (NoopCache) Set(context.Context, string, string) (bool, error) { return true, nil }

// NoopRateLimiter never refuses.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// NoopTracer discards spans and events.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NoopTracer) Event(context.Context, string, map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = NoopCache{}
	_ ports.RateLimiter = NoopRateLimiter{}
	_ ports.Tracer      = NoopTracer{}
)
