// Package announce picks which qualified class, if any, is spoken in a cycle.
package announce

import "strings"

// Selector chooses one class per cycle by priority. Every announced class is
// suppressed until it has left the scene.
type Selector struct {
	rank      map[string]int
	announced map[string]struct{}
}

// NewSelector builds a selector from priority, highest priority first.
// Classes not listed are never selected.
func NewSelector(priority []string) *Selector {
	rank := make(map[string]int, len(priority))
	for i, c := range priority {
		if _, dup := rank[c]; !dup {
			rank[c] = i
		}
	}
	return &Selector{rank: rank, announced: make(map[string]struct{})}
}

// Priority returns the rank of class and whether it is announceable.
func (s *Selector) Priority(class string) (int, bool) {
	r, ok := s.rank[class]
	return r, ok
}

// Select returns the highest-priority qualified class that is not currently
// suppressed and suppresses it in turn.
func (s *Selector) Select(qualified []string) (string, bool) {
	best, bestRank := "", -1
	for _, c := range qualified {
		if _, done := s.announced[c]; done {
			continue
		}
		r, ok := s.rank[c]
		if !ok {
			continue
		}
		if bestRank < 0 || r < bestRank {
			best, bestRank = c, r
		}
	}
	if bestRank < 0 {
		return "", false
	}
	s.announced[best] = struct{}{}
	return best, true
}

// Forget lifts suppression for classes that are no longer detected.
func (s *Selector) Forget(classes ...string) {
	for _, c := range classes {
		delete(s.announced, c)
	}
}

// Reset clears the suppression state.
func (s *Selector) Reset() { clear(s.announced) }

// Utterance turns a class label into spoken text, e.g. RED_LIGHT -> "RED LIGHT".
func Utterance(class string) string {
	return strings.ReplaceAll(class, "_", " ")
}
