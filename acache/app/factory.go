// Package app wires the caches, the model request manager and the Wolfram
// client from configuration.
package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/answercache/acache"
	"github.com/ZanzyTHEbar/answercache/acache/cache"
	"github.com/ZanzyTHEbar/answercache/acache/config"
	"github.com/ZanzyTHEbar/answercache/acache/model"
	"github.com/ZanzyTHEbar/answercache/acache/requests"
	"github.com/ZanzyTHEbar/answercache/acache/requests/adapters"
	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
	"github.com/ZanzyTHEbar/answercache/acache/wolfram"
)

// App holds every long-lived component. Build it once and pass it around.
type App struct {
	Config   *config.Config
	Endpoint *model.Endpoint
	Requests *requests.Manager
	Wolfram  *wolfram.Client

	ModelCache     *cache.Store
	WolframAnswers *cache.Store
	WolframErrors  *cache.Store
}

// Stores returns every cache store, model cache first.
func (a *App) Stores() []*cache.Store {
	return []*cache.Store{a.ModelCache, a.WolframAnswers, a.WolframErrors}
}

// Store looks up a cache store by name.
func (a *App) Store(name string) (*cache.Store, bool) {
	for _, s := range a.Stores() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Factory creates and wires components from config.
type Factory struct {
	cfg       *config.Config
	logger    zerolog.Logger
	fs        afero.Fs
	transport ports.Transport
}

// NewFactory creates a factory that uses the OS filesystem and HTTP.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger, fs: afero.NewOsFs()}
}

// WithFs replaces the filesystem the caches live on.
func (f *Factory) WithFs(fs afero.Fs) *Factory {
	f.fs = fs
	return f
}

// WithTransport replaces the HTTP transport of the model request manager.
func (f *Factory) WithTransport(t ports.Transport) *Factory {
	f.transport = t
	return f
}

// Build opens the caches and creates the clients.
func (f *Factory) Build() (*App, error) {
	if err := f.cfg.Validate(); err != nil {
		return nil, err
	}

	modelCache, err := f.createStore(acache.ModelCacheName, f.cfg.Model.CacheSizeMiB, f.cfg.Model.CacheStartLifetime, f.cfg.Cache.PriorityPath)
	if err != nil {
		return nil, err
	}
	answers, err := f.createStore(acache.WolframAnswerCacheName, f.cfg.Wolfram.AnswerCacheSizeMiB, f.cfg.Wolfram.AnswerCacheStartLifetime, "")
	if err != nil {
		return nil, err
	}
	errs, err := f.createStore(acache.WolframErrorCacheName, f.cfg.Wolfram.ErrorCacheSizeMiB, f.cfg.Wolfram.ErrorCacheStartLifetime, "")
	if err != nil {
		return nil, err
	}

	endpoint, err := model.New(model.Options{
		Type:             model.Type(f.cfg.Model.Type),
		OpenAIModel:      f.cfg.Model.OpenAIModel,
		APIKey:           f.cfg.Model.OpenAIAPIKey,
		KoboldCppBaseURL: f.cfg.Model.KoboldCppBaseURL,
	})
	if err != nil {
		return nil, err
	}

	manager, err := requests.NewManager(requests.Options{
		Target:                endpoint.Target(),
		Cache:                 adapters.NewStoreCache(modelCache),
		Transport:             f.createTransport(),
		Limiter:               f.createRateLimiter(),
		Tracer:                f.createTracer(),
		Logger:                f.logger,
		Identity:              f.cfg.Wolfram.AppID,
		UnavailableDelay:      f.cfg.Retry.UnavailableDelay,
		RateLimitInitialDelay: f.cfg.Retry.RateLimitInitialDelay,
		MaxConcurrency:        f.cfg.Retry.MaxConcurrency,
	})
	if err != nil {
		return nil, err
	}

	wa := wolfram.New(wolfram.Options{
		AppID:   f.cfg.Wolfram.AppID,
		BaseURL: f.cfg.Wolfram.BaseURL,
		Timeout: f.cfg.Wolfram.Timeout,
		Answers: adapters.NewStoreCache(answers),
		Errors:  adapters.NewStoreCache(errs),
		Logger:  f.logger,
	})

	return &App{
		Config:         f.cfg,
		Endpoint:       endpoint,
		Requests:       manager,
		Wolfram:        wa,
		ModelCache:     modelCache,
		WolframAnswers: answers,
		WolframErrors:  errs,
	}, nil
}

func (f *Factory) createStore(name string, sizeMiB int, lifetime time.Duration, priority string) (*cache.Store, error) {
	store, err := cache.New(cache.Options{
		Name:            name,
		Dir:             f.cfg.Cache.DataDir,
		DefaultLifetime: lifetime,
		MaxSize:         int64(sizeMiB) * acache.MiB,
		PriorityPath:    priority,
		Fs:              f.fs,
		Logger:          f.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", name, err)
	}
	return store, nil
}

func (f *Factory) createTransport() ports.Transport {
	if f.transport != nil {
		return f.transport
	}
	return adapters.NewHTTPTransport(f.cfg.Retry.RequestTimeout)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Retry.RateLimitEnabled {
		return adapters.NoopRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Retry.RateLimitCapacity, f.cfg.Retry.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Retry.EnableTracing {
		return adapters.NoopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}
