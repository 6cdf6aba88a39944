package adapters

import (
	"context"

	"github.com/ZanzyTHEbar/answercache/acache/cache"
	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// StoreCache exposes a cache.Store through the Cache port.
type StoreCache struct {
	store *cache.Store
}

// NewStoreCache wraps store.
func NewStoreCache(store *cache.Store) *StoreCache {
	return &StoreCache{store: store}
}

// Get returns the live or priority value for key.
func (c *StoreCache) Get(_ context.Context, key string) (string, bool) {
	return c.store.Get(key)
}

// Set stores value under key using the adaptive lifetime rule.
func (c *StoreCache) Set(_ context.Context, key, value string) (bool, error) {
	return c.store.Set(key, value)
}

// Store returns the wrapped store.
func (c *StoreCache) Store() *cache.Store {
	return c.store
}

// Ensure StoreCache implements the Cache interface.
var _ ports.Cache = (*StoreCache)(nil)
