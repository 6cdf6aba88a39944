package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Entry is a cached value with the write time and lifetime used by the update rule.
// Times are float seconds so the on-disk form stays [value, written_at, lifetime].
type Entry struct {
	Value     string
	WrittenAt float64 // unix seconds
	Lifetime  float64 // seconds
}

// Live reports whether the entry is still valid at now (unix seconds).
func (e Entry) Live(now float64) bool {
	return now-e.WrittenAt <= e.Lifetime
}

// Remaining is the lifetime left at now; negative once expired.
func (e Entry) Remaining(now float64) float64 {
	return e.Lifetime - (now - e.WrittenAt)
}

// exceeded measures how far the entry has overstayed, normalized against the
// lifetime of the entry about to be inserted.
func (e Entry) exceeded(now, incoming float64) float64 {
	return now - e.WrittenAt - e.Lifetime + incoming
}

// reinforced is the lifetime granted when the same value is written again.
func (e Entry) reinforced(now float64) float64 {
	l := 2 * math.Max(e.Lifetime, now-e.WrittenAt)
	if math.IsInf(l, 1) {
		return math.MaxFloat64
	}
	return l
}

// contradicted is the lifetime granted when a different value replaces this one.
func (e Entry) contradicted() float64 {
	return e.Lifetime / 2
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Value, e.WrittenAt, e.Lifetime})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return fmt.Errorf("entry must have 3 elements, got %d", len(triple))
	}
	if err := json.Unmarshal(triple[0], &e.Value); err != nil {
		return fmt.Errorf("entry value: %w", err)
	}
	if err := json.Unmarshal(triple[1], &e.WrittenAt); err != nil {
		return fmt.Errorf("entry timestamp: %w", err)
	}
	if err := json.Unmarshal(triple[2], &e.Lifetime); err != nil {
		return fmt.Errorf("entry lifetime: %w", err)
	}
	return nil
}

// entrySize counts the UTF-8 bytes of key and value.
func entrySize(key, value string) int64 {
	return int64(len(key)) + int64(len(value))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToDuration(s float64) time.Duration {
	ns := s * float64(time.Second)
	switch {
	case ns >= math.MaxInt64:
		return Forever
	case ns <= math.MinInt64:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ns)
}
