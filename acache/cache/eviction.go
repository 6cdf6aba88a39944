package cache

// selectVictim picks the entry that has most overstayed its lifetime, measured
// against the lifetime of the incoming entry. Only entries with a positive
// exceeded time qualify. Ties go to the lexically smallest key so the choice
// does not depend on map iteration order.
func selectVictim(entries map[string]Entry, now, incoming float64) (string, bool) {
	var (
		victim string
		best   float64
		found  bool
	)
	for key, e := range entries {
		x := e.exceeded(now, incoming)
		if x <= 0 {
			continue
		}
		if !found || x > best || (x == best && key < victim) {
			victim, best, found = key, x, true
		}
	}
	return victim, found
}
