package cache

import "errors"

var (
	// ErrEntryTooLarge is returned by Put when key and value alone exceed the maximum size.
	ErrEntryTooLarge = errors.New("cache entry exceeds maximum cache size")

	// ErrEvictionExhausted is returned by Put when no entry has overstayed enough to make room.
	ErrEvictionExhausted = errors.New("no evictable entry frees enough space")

	// ErrPersistence wraps I/O and encoding failures of the backing file.
	ErrPersistence = errors.New("cache persistence failure")

	// ErrPriorityInvalid is returned by New when a configured priority file cannot be used.
	ErrPriorityInvalid = errors.New("invalid priority cache file")

	// ErrInvalidOptions is returned by New for unusable construction options.
	ErrInvalidOptions = errors.New("invalid cache options")
)

// IsCapacity reports whether err is one of the recoverable capacity conditions of Put.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrEntryTooLarge) || errors.Is(err, ErrEvictionExhausted)
}
