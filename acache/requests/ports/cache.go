package requestports

import "context"

// Cache memoizes answers by request key.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool)
	// Set reports false when the value could not be kept; err is reserved
	// for persistence failures.
	Set(ctx context.Context, key, value string) (stored bool, err error)
}
