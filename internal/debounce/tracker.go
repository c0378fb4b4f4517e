// Package debounce tracks how many consecutive detection cycles each class has been seen.
package debounce

// Tracker holds per-class consecutive-cycle counts. It is not safe for
// concurrent use; the controller loop is its only owner.
type Tracker struct {
	persistence int
	streaks     map[string]int
	evicted     []string
}

// NewTracker returns a tracker that qualifies a class after persistence
// consecutive cycles. Values below 1 are treated as 1.
func NewTracker(persistence int) *Tracker {
	if persistence < 1 {
		persistence = 1
	}
	return &Tracker{persistence: persistence, streaks: make(map[string]int)}
}

// SetPersistence changes the threshold for subsequent cycles. Existing streaks are kept.
func (t *Tracker) SetPersistence(n int) {
	if n < 1 {
		n = 1
	}
	t.persistence = n
}

// Observe records one cycle. Classes missing from present are evicted first,
// then every present class is incremented once. The result lists the classes
// whose streak has reached the threshold, in the order they first appear in present.
func (t *Tracker) Observe(present []string) []string {
	seen := make(map[string]struct{}, len(present))
	for _, c := range present {
		seen[c] = struct{}{}
	}

	t.evicted = t.evicted[:0]
	for c := range t.streaks {
		if _, ok := seen[c]; !ok {
			delete(t.streaks, c)
			t.evicted = append(t.evicted, c)
		}
	}

	var qualified []string
	for _, c := range present {
		if _, ok := seen[c]; !ok {
			continue // already counted this cycle
		}
		delete(seen, c)
		t.streaks[c]++
		if t.streaks[c] >= t.persistence {
			qualified = append(qualified, c)
		}
	}
	return qualified
}

// Evicted lists the classes dropped by the most recent Observe.
func (t *Tracker) Evicted() []string {
	return append([]string(nil), t.evicted...)
}

// Reset puts class back to a zero streak after it has been announced.
// Unknown classes are ignored.
func (t *Tracker) Reset(class string) {
	if _, ok := t.streaks[class]; ok {
		t.streaks[class] = 0
	}
}

// Streak returns the current count for class.
func (t *Tracker) Streak(class string) int { return t.streaks[class] }

// Clear forgets every class.
func (t *Tracker) Clear() {
	clear(t.streaks)
	t.evicted = t.evicted[:0]
}
