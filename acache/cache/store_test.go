package cache

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/data"

// fakeClock is a manually advanced clock shared by stores under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, fs afero.Fs, clock *fakeClock, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := Options{
		Name:            "unit-test",
		Dir:             testDir,
		DefaultLifetime: 500 * time.Millisecond,
		Fs:              fs,
		Logger:          zerolog.Nop(),
		Now:             clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func writeTableFile(t *testing.T, fs afero.Fs, path string, entries map[string]Entry) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func TestStore_SetAndGetImmediately(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), newFakeClock())

	ok, err := s.Set("key1", "value1")
	require.NoError(t, err)
	assert.True(t, ok)

	v, found := s.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", v)
}

func TestStore_Expiration(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock)

	_, err := s.Set("key2", "value2")
	require.NoError(t, err)

	clock.Advance(time.Second)

	_, found := s.Get("key2")
	assert.False(t, found)
	assert.False(t, s.Contains("key2"))
	assert.Equal(t, 0, s.Len())

	// Expired entries are kept for the lifetime rule.
	lt, ok := s.GetLifetime("key2")
	assert.True(t, ok)
	assert.Less(t, lt, time.Duration(0))
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestStore_ReinforcementDoublesLifetime(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock)

	_, err := s.Set("key3", "value3")
	require.NoError(t, err)
	clock.Advance(time.Second)

	ok, err := s.Set("key3", "value3")
	require.NoError(t, err)
	assert.True(t, ok)

	lt, found := s.GetLifetime("key3")
	require.True(t, found)
	// 2 * max(0.5s, 1s elapsed)
	assert.InDelta(t, float64(2*time.Second), float64(lt), float64(time.Millisecond))
	assert.GreaterOrEqual(t, lt, 2*500*time.Millisecond)

	v, found := s.Get("key3")
	assert.True(t, found)
	assert.Equal(t, "value3", v)
}

func TestStore_ReinforcementBeforeExpiryUsesOldLifetime(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock, func(o *Options) { o.DefaultLifetime = 10 * time.Second })

	_, err := s.Set("k", "v")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Set("k", "v")
	require.NoError(t, err)

	lt, _ := s.GetLifetime("k")
	assert.InDelta(t, float64(20*time.Second), float64(lt), float64(time.Millisecond))
}

func TestStore_ContradictionHalvesLifetime(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock)

	_, err := s.Set("key4", "value4")
	require.NoError(t, err)
	clock.Advance(time.Second)

	ok, err := s.Set("key4", "new_value4")
	require.NoError(t, err)
	assert.True(t, ok)

	lt, found := s.GetLifetime("key4")
	require.True(t, found)
	assert.InDelta(t, float64(250*time.Millisecond), float64(lt), float64(time.Millisecond))
	assert.Less(t, lt, 500*time.Millisecond)

	v, found := s.Get("key4")
	assert.True(t, found)
	assert.Equal(t, "new_value4", v)
	assert.Equal(t, int64(len("key4")+len("new_value4")), s.Size())
}

func TestStore_PriorityOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	writeTableFile(t, fs, "/fixtures/priority.json", map[string]Entry{
		"priority_key": {Value: "priority_value", WrittenAt: 0, Lifetime: 1},
		"shared_key":   {Value: "from_priority", WrittenAt: 0, Lifetime: 1},
	})

	s := newTestStore(t, fs, clock, func(o *Options) { o.PriorityPath = "/fixtures/priority.json" })

	_, err := s.Set("shared_key", "from_cache")
	require.NoError(t, err)

	v, ok := s.Get("priority_key")
	assert.True(t, ok)
	assert.Equal(t, "priority_value", v)

	v, ok = s.Get("shared_key")
	assert.True(t, ok)
	assert.Equal(t, "from_priority", v)

	clock.Advance(24 * 365 * time.Hour)

	v, ok = s.Get("priority_key")
	assert.True(t, ok)
	assert.Equal(t, "priority_value", v)

	lt, ok := s.GetLifetime("shared_key")
	assert.True(t, ok)
	assert.Equal(t, Forever, lt)

	// The overlay is not part of the mutable table.
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 2, s.Stats().PriorityEntries)

	require.NoError(t, s.Clear())
	v, ok = s.Get("priority_key")
	assert.True(t, ok)
	assert.Equal(t, "priority_value", v)
}

func TestStore_PriorityFileInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()

	_, err := New(Options{Name: "p", Dir: testDir, Fs: fs, Now: clock.Now, PriorityPath: "/missing.json"})
	assert.ErrorIs(t, err, ErrPriorityInvalid)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte(`{"k": ["v", "not-a-number", 1]}`), 0o644))
	_, err = New(Options{Name: "p", Dir: testDir, Fs: fs, Now: clock.Now, PriorityPath: "/bad.json"})
	assert.ErrorIs(t, err, ErrPriorityInvalid)

	require.NoError(t, afero.WriteFile(fs, "/broken.json", []byte(`{"k": [`), 0o644))
	_, err = New(Options{Name: "p", Dir: testDir, Fs: fs, Now: clock.Now, PriorityPath: "/broken.json"})
	assert.ErrorIs(t, err, ErrPriorityInvalid)
}

func TestStore_MaxSizeLimit(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock, func(o *Options) { o.MaxSize = 100 })

	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		key := fmt.Sprintf("key%d", i)
		value := strings.Repeat("v", 41) // 45 bytes with the key
		ok, err := s.Set(key, value)
		require.NoError(t, err)
		assert.True(t, ok, "set %s", key)
		assert.LessOrEqual(t, s.Size(), int64(100))
	}

	assert.LessOrEqual(t, s.Size(), int64(100))
	assert.LessOrEqual(t, s.Stats().Entries, 2)

	// The most overstayed entries went first.
	_, ok := s.Get("key9")
	assert.True(t, ok)
	_, ok = s.Get("key0")
	assert.False(t, ok)
}

func TestStore_EvictionExhaustedRollsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	s := newTestStore(t, fs, clock, func(o *Options) { o.MaxSize = 100 })

	value := strings.Repeat("a", 41)
	for _, k := range []string{"keyA", "keyB"} {
		ok, err := s.Set(k, value)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Nothing has overstayed at the same instant, so nothing can be evicted.
	err := s.Put("keyC", value)
	assert.ErrorIs(t, err, ErrEvictionExhausted)
	ok, err := s.Set("keyC", value)
	assert.NoError(t, err)
	assert.False(t, ok)

	// A contradiction that cannot fit restores the removed entry.
	ok, err = s.Set("keyA", strings.Repeat("b", 60))
	require.NoError(t, err)
	assert.False(t, ok)

	v, found := s.Get("keyA")
	assert.True(t, found)
	assert.Equal(t, value, v)
	lt, _ := s.GetLifetime("keyA")
	assert.Equal(t, 500*time.Millisecond, lt)
	assert.Equal(t, int64(90), s.Size())

	// The file still reflects the last successful write.
	reloaded := newTestStore(t, fs, clock, func(o *Options) { o.MaxSize = 100 })
	v, found = reloaded.Get("keyA")
	assert.True(t, found)
	assert.Equal(t, value, v)
	_, found = reloaded.Get("keyC")
	assert.False(t, found)
}

func TestStore_EntryTooLarge(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, newFakeClock(), func(o *Options) { o.MaxSize = 10 })

	err := s.Put("key", "a value that does not fit")
	assert.ErrorIs(t, err, ErrEntryTooLarge)
	assert.True(t, IsCapacity(err))

	ok, err := s.Set("key", "a value that does not fit")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Size())

	exists, err := afero.Exists(fs, s.Path())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_Persistence(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	s := newTestStore(t, fs, clock)

	_, err := s.Set("persist_key", "persist_value")
	require.NoError(t, err)

	fresh := newTestStore(t, fs, clock)
	v, ok := fresh.Get("persist_key")
	assert.True(t, ok)
	assert.Equal(t, "persist_value", v)
	assert.Equal(t, s.Size(), fresh.Size())
}

func TestStore_FileFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	s := newTestStore(t, fs, clock)

	_, err := s.Set("key1", "value1")
	require.NoError(t, err)
	_, err = s.Set("key2", "value2")
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, filepath.Join(testDir, "unit-test.json"))
	require.NoError(t, err)

	var raw map[string][]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	for key, triple := range raw {
		require.Len(t, triple, 3, key)
		assert.IsType(t, "", triple[0])
		assert.IsType(t, float64(0), triple[1])
		assert.IsType(t, float64(0), triple[2])
	}
	assert.Equal(t, "value1", raw["key1"][0])
	assert.Equal(t, 0.5, raw["key1"][2])
}

func TestStore_Clear(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, newFakeClock())

	_, err := s.Set("key_to_clear", "value_to_clear")
	require.NoError(t, err)
	exists, _ := afero.Exists(fs, s.Path())
	require.True(t, exists)

	require.NoError(t, s.Clear())

	_, ok := s.Get("key_to_clear")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.Size())
	exists, _ = afero.Exists(fs, s.Path())
	assert.False(t, exists)

	// Clearing twice is fine.
	assert.NoError(t, s.Clear())
}

func TestStore_ContainsAndLen(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), newFakeClock())

	_, err := s.Set("len_key1", "len_value1")
	require.NoError(t, err)
	_, err = s.Set("len_key2", "len_value2")
	require.NoError(t, err)

	assert.True(t, s.Contains("len_key1"))
	assert.False(t, s.Contains("non_existent_key"))
	assert.Equal(t, 2, s.Len())

	_, ok := s.GetLifetime("non_existent_key")
	assert.False(t, ok)
}

func TestStore_MalformedCacheFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, "unit-test.json"), []byte(`["not", "an", "object"]`), 0o644))

	_, err := New(Options{Name: "unit-test", Dir: testDir, Fs: fs})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestStore_NegativeLifetimeRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	negative := []byte(`{"k": ["v", 1700000000, -5]}`)

	require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, "unit-test.json"), negative, 0o644))
	_, err := New(Options{Name: "unit-test", Dir: testDir, Fs: fs})
	assert.ErrorIs(t, err, ErrPersistence)

	require.NoError(t, afero.WriteFile(fs, "/negative.json", negative, 0o644))
	_, err = New(Options{Name: "p", Dir: "/other", Fs: fs, PriorityPath: "/negative.json"})
	assert.ErrorIs(t, err, ErrPriorityInvalid)

	zero := []byte(`{"k": ["v", 1700000000, 0]}`)
	require.NoError(t, afero.WriteFile(fs, "/zero.json", zero, 0o644))
	_, err = New(Options{Name: "p", Dir: "/other", Fs: fs, PriorityPath: "/zero.json"})
	assert.NoError(t, err)
}

func TestStore_InvalidOptions(t *testing.T) {
	fs := afero.NewMemMapFs()

	for name, opts := range map[string]Options{
		"empty name":        {Fs: fs},
		"separator in name": {Name: "a/b", Fs: fs},
		"negative lifetime": {Name: "a", Fs: fs, DefaultLifetime: -time.Second},
		"negative size":     {Name: "a", Fs: fs, MaxSize: -1},
	} {
		_, err := New(opts)
		assert.ErrorIs(t, err, ErrInvalidOptions, name)
	}
}

func TestStore_SaveFailureKeepsMemoryConsistent(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := newTestStore(t, fs, newFakeClock())

	ok, err := s.Set("key", "value")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPersistence)

	_, found := s.Get("key")
	assert.False(t, found)
	assert.Equal(t, int64(0), s.Size())
}

func TestStore_AtomicSaveOnDisk(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	s := newTestStore(t, afero.NewOsFs(), clock, func(o *Options) { o.Dir = dir })

	for i := 0; i < 5; i++ {
		_, err := s.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1, "temp files must not be left behind")
	assert.Equal(t, "unit-test.json", files[0].Name())

	fresh := newTestStore(t, afero.NewOsFs(), clock, func(o *Options) { o.Dir = dir })
	assert.Equal(t, 5, fresh.Len())
}

func TestStore_RandomizedSizeInvariant(t *testing.T) {
	clock := newFakeClock()
	const maxSize = 512
	s := newTestStore(t, afero.NewMemMapFs(), clock, func(o *Options) { o.MaxSize = maxSize })
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rng.Intn(300)) * time.Millisecond)
		key := fmt.Sprintf("k%d", rng.Intn(40))
		value := strings.Repeat(string(rune('a'+rng.Intn(3))), 1+rng.Intn(80))

		ok, err := s.Set(key, value)
		require.NoError(t, err)

		var sum int64
		for k, e := range s.table.entries {
			sum += entrySize(k, e.Value)
		}
		require.Equal(t, sum, s.table.size, "running size drifted at step %d", i)
		require.LessOrEqual(t, s.table.size, int64(maxSize))

		if ok {
			v, found := s.table.get(key)
			require.True(t, found)
			require.Equal(t, value, v.Value)
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, afero.NewMemMapFs(), clock, func(o *Options) {
		o.MaxSize = 2048
		o.DefaultLifetime = time.Hour
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("g%d-k%d", id, i%5)
				_, err := s.Set(key, fmt.Sprintf("value-%d", i))
				assert.NoError(t, err)
				s.Get(key)
				s.Len()
				clock.Advance(time.Millisecond)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Size(), int64(2048))
}

func TestSelectVictim(t *testing.T) {
	entries := map[string]Entry{
		"fresh":  {Value: "x", WrittenAt: 100, Lifetime: 50},
		"stale":  {Value: "x", WrittenAt: 0, Lifetime: 10},
		"staler": {Value: "x", WrittenAt: 0, Lifetime: 5},
	}

	victim, ok := selectVictim(entries, 100, 0)
	require.True(t, ok)
	assert.Equal(t, "staler", victim)

	// A long incoming lifetime makes even fresh entries eligible.
	delete(entries, "stale")
	delete(entries, "staler")
	victim, ok = selectVictim(entries, 100, 60)
	require.True(t, ok)
	assert.Equal(t, "fresh", victim)

	_, ok = selectVictim(entries, 100, 50)
	assert.False(t, ok)

	tied := map[string]Entry{
		"b": {WrittenAt: 0, Lifetime: 1},
		"a": {WrittenAt: 0, Lifetime: 1},
	}
	victim, ok = selectVictim(tied, 10, 0)
	require.True(t, ok)
	assert.Equal(t, "a", victim)
}

func TestEntry_UnmarshalRejectsWrongArity(t *testing.T) {
	var e Entry
	assert.Error(t, json.Unmarshal([]byte(`["v", 1]`), &e))
	assert.NoError(t, json.Unmarshal([]byte(`["v", 1.5, 2]`), &e))
	assert.Equal(t, Entry{Value: "v", WrittenAt: 1.5, Lifetime: 2}, e)
}
