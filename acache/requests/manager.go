// Package requests sends idempotent requests to an external service through
// an answer cache, retrying transient failures until they succeed.
package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/ZanzyTHEbar/answercache/acache/requests/adapters"
	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultUnavailableDelay      = 3 * time.Second
	DefaultRateLimitInitialDelay = time.Second
	DefaultMaxConcurrency        = 4
)

// Target describes the upstream endpoint requests are sent to.
type Target struct {
	Namespace string            // separates caches shared between services
	URL       string
	Headers   map[string]string
	Extract   Extractor
}

// Options configures a Manager. Cache, Limiter and Tracer fall back to
// no-op adapters; Transport is required.
type Options struct {
	Target    Target
	Cache     ports.Cache
	Transport ports.Transport
	Limiter   ports.RateLimiter
	Tracer    ports.Tracer
	Logger    zerolog.Logger

	// Identity distinguishes answers given under different credentials or
	// capabilities; it is part of every key.
	Identity string

	UnavailableDelay      time.Duration
	RateLimitInitialDelay time.Duration
	MaxConcurrency        int
}

// Manager is safe for concurrent use.
type Manager struct {
	target    Target
	cache     ports.Cache
	transport ports.Transport
	limiter   ports.RateLimiter
	tracer    ports.Tracer
	logger    zerolog.Logger
	identity  string

	unavailableDelay      time.Duration
	rateLimitInitialDelay time.Duration
	maxConcurrency        int

	group singleflight.Group
}

// NewManager validates opts and fills in defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "requests: transport is required")
	}
	if opts.Target.URL == "" || opts.Target.Extract == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "requests: target needs a URL and an extractor")
	}
	if opts.Cache == nil {
		opts.Cache = adapters.NoopCache{}
	}
	if opts.Limiter == nil {
		opts.Limiter = adapters.NoopRateLimiter{}
	}
	if opts.Tracer == nil {
		opts.Tracer = adapters.NoopTracer{}
	}
	if opts.UnavailableDelay == 0 {
		opts.UnavailableDelay = DefaultUnavailableDelay
	}
	if opts.RateLimitInitialDelay == 0 {
		opts.RateLimitInitialDelay = DefaultRateLimitInitialDelay
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Manager{
		target:                opts.Target,
		cache:                 opts.Cache,
		transport:             opts.Transport,
		limiter:               opts.Limiter,
		tracer:                opts.Tracer,
		logger:                opts.Logger.With().Str("endpoint", opts.Target.URL).Logger(),
		identity:              opts.Identity,
		unavailableDelay:      opts.UnavailableDelay,
		rateLimitInitialDelay: opts.RateLimitInitialDelay,
		maxConcurrency:        opts.MaxConcurrency,
	}, nil
}

// sendConfig holds the per-call inputs that select a cache namespace.
type sendConfig struct {
	augmented bool
}

// SendOption adjusts a single Send.
type SendOption func(*sendConfig)

// WithAugmented marks the request as built with context augmentation.
// Answers produced with and without it are cached separately.
func WithAugmented(augmented bool) SendOption {
	return func(c *sendConfig) { c.augmented = augmented }
}

func newSendConfig(opts []SendOption) sendConfig {
	var c sendConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Key returns the cache key Send would use for body and opts.
func (m *Manager) Key(body any, opts ...SendOption) (string, error) {
	c := newSendConfig(opts)
	return Key(m.target.Namespace, m.target.URL, body, c.augmented, m.identity)
}

// Send returns the answer for body, from the cache when possible. API and
// network failures are returned as the answer text and are not cached. The
// error is non-nil only when ctx ends, the body cannot be encoded, or the
// answer could not be persisted.
//
// Identical concurrent Sends share one upstream call. Each caller still
// waits on its own ctx, and a caller whose ctx is live never sees the
// cancellation of another caller.
func (m *Manager) Send(ctx context.Context, body any, opts ...SendOption) (string, error) {
	key, err := m.Key(body, opts...)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInvalidInput, "requests: encode body")
	}
	if answer, ok := m.cache.Get(ctx, key); ok {
		m.tracer.Event(ctx, "cache_hit", map[string]any{"key": key})
		return answer, nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInvalidInput, "requests: encode body")
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ch := m.group.DoChan(key, func() (any, error) {
			return m.call(ctx, key, payload)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res = <-ch:
		}
		if res.Shared {
			m.logger.Debug().Str("key", key).Msg("Shared in-flight request")
		}
		if isContextError(res.Err) && ctx.Err() == nil {
			// The flight ran under another caller's ctx, which ended.
			continue
		}
		answer, _ := res.Val.(string)
		return answer, res.Err
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// call runs the retry loop for one key and stores a successful answer.
func (m *Manager) call(ctx context.Context, key string, payload []byte) (string, error) {
	requestID := uuid.NewString()
	ctx, finish := m.tracer.StartSpan(ctx, "requests.send", map[string]any{
		"request_id": requestID,
		"namespace":  m.target.Namespace,
		"endpoint":   m.target.URL,
	})
	logger := m.logger.With().Str("request_id", requestID).Logger()

	var (
		answer    string
		cacheable bool
		attempts  int
	)
	b := newBackoff(m.unavailableDelay, m.rateLimitInitialDelay)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		// Another flight or process may have stored the answer meanwhile.
		if cached, ok := m.cache.Get(ctx, key); ok {
			answer, cacheable = cached, false
			return nil
		}
		attempts++
		result, err := m.attempt(ctx, payload)
		switch {
		case err == nil:
			answer, cacheable = result, true
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.IsRetryable(err):
			wait := b.observe(err)
			logger.Warn().
				Err(err).
				Int("attempt", attempts).
				Dur("wait", wait).
				Msg("Retryable failure, waiting before retrying")
			m.tracer.Event(ctx, "retry", map[string]any{
				"code":    string(errors.GetCode(err)),
				"attempt": attempts,
				"wait":    wait.String(),
			})
			return retry.RetryableError(err)
		default:
			answer = answerText(err)
			logger.Debug().Err(err).Int("attempt", attempts).Msg("Request failed")
			return nil
		}
	})
	if err != nil {
		finish(err)
		return "", err
	}

	if cacheable {
		stored, err := m.cache.Set(ctx, key, answer)
		if err != nil {
			finish(err)
			return answer, fmt.Errorf("requests: store answer: %w", err)
		}
		if !stored {
			logger.Warn().Str("key", key).Int("size", len(answer)).Msg("Answer does not fit in cache")
		}
	}

	m.tracer.Event(ctx, "done", map[string]any{"attempts": attempts, "cached": cacheable})
	finish(nil)
	return answer, nil
}

// attempt performs a single call and classifies the reply.
func (m *Manager) attempt(ctx context.Context, payload []byte) (string, error) {
	release, err := m.limiter.Acquire(ctx, m.target.URL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.GetCode(err) != errors.CodeRateLimit {
			err = errors.Wrap(err, errors.CodeRateLimit, "local rate limiter refused")
		}
		return "", err
	}
	defer release()

	resp, err := m.transport.Post(ctx, m.target.URL, m.target.Headers, payload)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", networkError(err)
	}
	return classify(resp, m.target.Extract)
}

// SendAll sends every body with bounded concurrency. Answers keep the order of
// bodies. The returned error joins the errors of the individual Sends.
func (m *Manager) SendAll(ctx context.Context, bodies []any, opts ...SendOption) ([]string, error) {
	answers := make([]string, len(bodies))
	p := pool.New().WithMaxGoroutines(m.maxConcurrency).WithErrors().WithContext(ctx)
	for i, body := range bodies {
		p.Go(func(ctx context.Context) error {
			answer, err := m.Send(ctx, body, opts...)
			answers[i] = answer
			return err
		})
	}
	return answers, p.Wait()
}
