package poll

import (
	"sync"

	"s21-notifier/pkg/notifier"
)

// Tracker remembers the notification ids seen by the previous fetch.
// The set lives in memory only, so the first fetch after a restart is a silent baseline.
type Tracker struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	primed bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Compute returns the entries of current whose id was absent from the previous fetch,
// in input order, and replaces the remembered set with the ids of current.
// The first non-empty call after creation or Reset only records the baseline and returns
// nothing. An empty fetch changes nothing.
func (t *Tracker) Compute(current []notifier.Notification) []notifier.Notification {
	if len(current) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make(map[string]struct{}, len(current))
	for _, n := range current {
		ids[n.ID] = struct{}{}
	}

	if !t.primed {
		t.seen = ids
		t.primed = true
		return nil
	}

	var fresh []notifier.Notification
	for _, n := range current {
		if _, ok := t.seen[n.ID]; !ok {
			fresh = append(fresh, n)
		}
	}
	t.seen = ids
	return fresh
}

// Reset forgets the baseline; the next Compute starts over.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.seen = nil
	t.primed = false
	t.mu.Unlock()
}

// Size returns the number of remembered ids.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
