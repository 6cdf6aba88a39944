package cache

// table is the mutable entry map together with its running byte size.
type table struct {
	entries map[string]Entry
	size    int64
}

func newTable(entries map[string]Entry) *table {
	if entries == nil {
		entries = make(map[string]Entry)
	}
	t := &table{entries: entries}
	for k, e := range entries {
		t.size += entrySize(k, e.Value)
	}
	return t
}

func (t *table) get(key string) (Entry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// put inserts or overwrites key and keeps size in step.
func (t *table) put(key string, e Entry) {
	if old, ok := t.entries[key]; ok {
		t.size -= entrySize(key, old.Value)
	}
	t.entries[key] = e
	t.size += entrySize(key, e.Value)
}

func (t *table) remove(key string) (Entry, bool) {
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, key)
	t.size -= entrySize(key, e.Value)
	return e, true
}

func (t *table) reset() {
	t.entries = make(map[string]Entry)
	t.size = 0
}

// journal records removals made during a single Put so they can be undone.
type journal struct {
	removed []journalRecord
}

type journalRecord struct {
	key   string
	entry Entry
}

func (j *journal) record(key string, e Entry) {
	j.removed = append(j.removed, journalRecord{key: key, entry: e})
}

// rollback restores every recorded entry in reverse order.
func (j *journal) rollback(t *table) {
	for i := len(j.removed) - 1; i >= 0; i-- {
		r := j.removed[i]
		t.put(r.key, r.entry)
	}
	j.removed = nil
}
