// Package cache implements a size-bounded, disk-persisted string cache whose
// entry lifetimes adapt to how stable each value turns out to be.
//
// Writing the same value again for a key doubles its lifetime (measured from
// the longer of the old lifetime and the time since the last write). Writing a
// different value halves it. Expired entries stay in the table until they are
// overwritten or evicted, because the lifetime rule needs their history.
//
// Every successful mutation rewrites the backing JSON file atomically.
package cache

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/answercache/acache"
)

// Forever is the lifetime reported for entries of the priority overlay.
const Forever = time.Duration(math.MaxInt64)

// DefaultMaxSize bounds a store when Options.MaxSize is zero.
const DefaultMaxSize int64 = 50 * acache.MiB

// Options configures a Store.
type Options struct {
	Name            string        // base file name, without extension
	Dir             string        // directory of the cache file; defaults to acache.DefaultDataDir
	DefaultLifetime time.Duration // lifetime of newly inserted keys
	MaxSize         int64         // bytes of keys plus values; defaults to DefaultMaxSize
	PriorityPath    string        // optional read-only overlay file
	Fs              afero.Fs      // defaults to the OS filesystem
	Logger          zerolog.Logger
	Now             func() time.Time // defaults to time.Now
}

// Stats is a point-in-time summary of a Store.
type Stats struct {
	Name            string `json:"name"`
	Path            string `json:"path"`
	Entries         int    `json:"entries"`
	LiveEntries     int    `json:"live_entries"`
	Size            int64  `json:"size"`
	MaxSize         int64  `json:"max_size"`
	PriorityEntries int    `json:"priority_entries"`
}

// Store is safe for concurrent use. One Store must own its file exclusively.
type Store struct {
	mu              sync.RWMutex
	name            string
	defaultLifetime float64
	maxSize         int64
	table           *table
	priority        priorityTable
	persist         *persister
	logger          zerolog.Logger
	now             func() time.Time
}

// New loads the cache file (if any) and the priority file (if configured).
func New(opts Options) (*Store, error) {
	if opts.Name == "" || strings.ContainsAny(opts.Name, `/\`) {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidOptions, opts.Name)
	}
	if opts.DefaultLifetime < 0 {
		return nil, fmt.Errorf("%w: negative default lifetime %s", ErrInvalidOptions, opts.DefaultLifetime)
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("%w: negative max size %d", ErrInvalidOptions, opts.MaxSize)
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Dir == "" {
		opts.Dir = acache.DefaultDataDir
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		name:            opts.Name,
		defaultLifetime: opts.DefaultLifetime.Seconds(),
		maxSize:         opts.MaxSize,
		persist:         newPersister(opts.Fs, opts.Dir, opts.Name),
		logger:          opts.Logger.With().Str("cache", opts.Name).Logger(),
		now:             opts.Now,
	}

	entries, err := s.persist.load()
	if err != nil {
		return nil, err
	}
	s.table = newTable(entries)

	if opts.PriorityPath != "" {
		s.priority, err = loadPriority(opts.Fs, opts.PriorityPath)
		if err != nil {
			return nil, err
		}
		s.logger.Debug().Str("path", opts.PriorityPath).Int("entries", len(s.priority)).Msg("Loaded priority cache")
	}

	s.logger.Debug().
		Str("path", s.persist.path).
		Int("entries", len(s.table.entries)).
		Int64("size", s.table.size).
		Msg("Loaded cache")

	return s, nil
}

func (s *Store) clock() float64 {
	return unixSeconds(s.now())
}

// Get returns the priority value for key if there is one, otherwise the cached
// value if it is still live.
func (s *Store) Get(key string) (string, bool) {
	if v, ok := s.priority.lookup(key); ok {
		return v, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.table.get(key)
	if !ok || !e.Live(s.clock()) {
		return "", false
	}
	return e.Value, true
}

// GetLifetime returns the remaining lifetime of key: Forever for priority
// entries, negative for expired cache entries.
func (s *Store) GetLifetime(key string) (time.Duration, bool) {
	if _, ok := s.priority.lookup(key); ok {
		return Forever, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.table.get(key)
	if !ok {
		return 0, false
	}
	return secondsToDuration(e.Remaining(s.clock())), true
}

// Contains reports whether Get would find key.
func (s *Store) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Len counts the live entries of the cache table. It is O(n).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCount(s.clock())
}

func (s *Store) liveCount(now float64) int {
	n := 0
	for _, e := range s.table.entries {
		if e.Live(now) {
			n++
		}
	}
	return n
}

// Set stores value under key. It returns false when the entry cannot fit
// (see Put); the error is reserved for persistence failures.
func (s *Store) Set(key, value string) (bool, error) {
	err := s.Put(key, value)
	switch {
	case err == nil:
		return true, nil
	case IsCapacity(err):
		return false, nil
	default:
		return false, err
	}
}

// Put stores value under key and reports why it could not. ErrEntryTooLarge
// and ErrEvictionExhausted leave the store unchanged. Errors wrapping
// ErrPersistence mean the file could not be written.
func (s *Store) Put(key, value string) error {
	size := entrySize(key, value)
	if size > s.maxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, size, s.maxSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	lifetime := s.defaultLifetime
	var undo journal

	if old, ok := s.table.get(key); ok {
		if old.Value == value {
			s.table.put(key, Entry{Value: value, WrittenAt: now, Lifetime: old.reinforced(now)})
			if err := s.persist.save(s.table.entries); err != nil {
				s.table.put(key, old)
				return err
			}
			return nil
		}
		lifetime = old.contradicted()
		s.table.remove(key)
		undo.record(key, old)
	}

	for s.table.size+size > s.maxSize {
		victim, ok := selectVictim(s.table.entries, now, lifetime)
		if !ok {
			undo.rollback(s.table)
			s.logger.Debug().
				Int64("size", s.table.size).
				Int64("incoming", size).
				Msg("No evictable entry, rolled back")
			return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrEvictionExhausted, size, s.table.size, s.maxSize)
		}
		e, _ := s.table.remove(victim)
		undo.record(victim, e)
		s.logger.Debug().Str("key", victim).Float64("lifetime", e.Lifetime).Msg("Evicted entry")
	}

	s.table.put(key, Entry{Value: value, WrittenAt: now, Lifetime: lifetime})
	if err := s.persist.save(s.table.entries); err != nil {
		s.table.remove(key)
		undo.rollback(s.table)
		return err
	}
	return nil
}

// Clear drops every cache entry and deletes the backing file. The priority
// overlay is kept.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table.reset()
	return s.persist.remove()
}

// Size is the aggregate byte size of all cache entries, live or not.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.size
}

// MaxSize is the byte budget of the cache table.
func (s *Store) MaxSize() int64 { return s.maxSize }

// Name is the base name of the backing file.
func (s *Store) Name() string { return s.name }

// Path is the location of the backing file.
func (s *Store) Path() string { return s.persist.path }

// Stats summarizes the store at the current time.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Name:            s.name,
		Path:            s.persist.path,
		Entries:         len(s.table.entries),
		LiveEntries:     s.liveCount(s.clock()),
		Size:            s.table.size,
		MaxSize:         s.maxSize,
		PriorityEntries: len(s.priority),
	}
}
