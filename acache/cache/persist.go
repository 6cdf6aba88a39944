package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
)

// tableSchema describes the on-disk shape shared by cache and priority files:
// an object mapping each key to [value, written_at, lifetime]. Lifetimes are
// never negative.
const tableSchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "array",
    "items": [
      {"type": "string"},
      {"type": "number"},
      {"type": "number", "minimum": 0}
    ],
    "additionalItems": false,
    "minItems": 3,
    "maxItems": 3
  }
}`

var compiledTableSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(tableSchema))
})

// persister owns the backing file of one Store.
type persister struct {
	fs     afero.Fs
	path   string
	prefix string
}

func newPersister(fs afero.Fs, dir, name string) *persister {
	return &persister{
		fs:     fs,
		path:   filepath.Join(dir, name+".json"),
		prefix: name,
	}
}

// load reads the table; a missing file yields an empty table.
func (p *persister) load() (map[string]Entry, error) {
	exists, err := afero.Exists(p.fs, p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrPersistence, p.path, err)
	}
	if !exists {
		return make(map[string]Entry), nil
	}
	entries, err := readTable(p.fs, p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return entries, nil
}

// save writes the full table to a temp file next to the target and renames it
// into place, so readers never observe a partial file.
func (p *persister) save(entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, p.path, err)
	}

	dir := filepath.Dir(p.path)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory %s: %w", ErrPersistence, dir, err)
	}

	tmp, err := afero.TempFile(p.fs, dir, p.prefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file in %s: %w", ErrPersistence, dir, err)
	}
	tmpName := tmp.Name()

	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = p.fs.Remove(tmpName)
		return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, tmpName, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = p.fs.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %w", ErrPersistence, tmpName, err)
	}
	if err := p.fs.Rename(tmpName, p.path); err != nil {
		_ = p.fs.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %w", ErrPersistence, p.path, err)
	}
	return nil
}

// remove deletes the backing file if present.
func (p *persister) remove() error {
	exists, err := afero.Exists(p.fs, p.path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrPersistence, p.path, err)
	}
	if !exists {
		return nil
	}
	if err := p.fs.Remove(p.path); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrPersistence, p.path, err)
	}
	return nil
}

// readTable reads, validates and decodes a table file.
func readTable(fs afero.Fs, path string) (map[string]Entry, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateTable(data); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}

func validateTable(data []byte) error {
	schema, err := compiledTableSchema()
	if err != nil {
		return fmt.Errorf("compile table schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
