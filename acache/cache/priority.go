package cache

import (
	"fmt"

	"github.com/spf13/afero"
)

// priorityTable is a read-only overlay of pre-baked answers that never expire.
type priorityTable map[string]string

// loadPriority reads a priority file. Unlike the cache file, a missing file is an error.
func loadPriority(fs afero.Fs, path string) (priorityTable, error) {
	entries, err := readTable(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriorityInvalid, err)
	}
	p := make(priorityTable, len(entries))
	for k, e := range entries {
		p[k] = e.Value
	}
	return p, nil
}

func (p priorityTable) lookup(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	return v, ok
}
