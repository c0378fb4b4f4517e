// Package speech serializes spoken announcements.
package speech

import "slices"

// State is the playback state of the queue.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "idle"
}

// Utterance is one text handed to playback.
type Utterance struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// Queue holds pending texts and the single playback slot. It is owned by the
// controller loop and is not safe for concurrent use.
type Queue struct {
	pending []string
	state   State
	current Utterance
	nextID  uint64
}

// NewQueue returns an idle, empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends text unless it is empty or already pending.
func (q *Queue) Enqueue(text string) bool {
	if text == "" || slices.Contains(q.pending, text) {
		return false
	}
	q.pending = append(q.pending, text)
	return true
}

// Advance starts the next utterance. It does nothing while speaking or when
// nothing is pending.
func (q *Queue) Advance() (Utterance, bool) {
	if q.state == Speaking || len(q.pending) == 0 {
		return Utterance{}, false
	}
	text := q.pending[0]
	q.pending = slices.Delete(q.pending, 0, 1)
	q.nextID++
	q.current = Utterance{ID: q.nextID, Text: text}
	q.state = Speaking
	return q.current, true
}

// Finish marks utterance id as done and returns to Idle. It never starts the
// next utterance. Acknowledgements for anything but the current utterance are ignored.
func (q *Queue) Finish(id uint64) bool {
	if q.state != Speaking || q.current.ID != id {
		return false
	}
	q.state = Idle
	q.current = Utterance{}
	return true
}

// State returns the playback state.
func (q *Queue) State() State { return q.state }

// Current returns the utterance being spoken, if any.
func (q *Queue) Current() (Utterance, bool) {
	return q.current, q.state == Speaking
}

// Pending returns a copy of the waiting texts.
func (q *Queue) Pending() []string { return slices.Clone(q.pending) }

// Len returns the number of waiting texts.
func (q *Queue) Len() int { return len(q.pending) }

// Clear drops pending texts and any playback in progress.
func (q *Queue) Clear() {
	q.pending = q.pending[:0]
	q.state = Idle
	q.current = Utterance{}
}
