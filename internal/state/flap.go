package state

import (
	"sync"
	"time"
)

// flapTracker counts state transitions per device inside a sliding window.
// The state machine is its only writer.
type flapTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

func newFlapTracker(window time.Duration) *flapTracker {
	return &flapTracker{
		window: window,
		events: make(map[string][]time.Time),
	}
}

// record adds a transition instant and returns how many transitions the
// device has produced inside the window, including this one.
func (f *flapTracker) record(id string, at time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := at.Add(-f.window)
	kept := f.events[id][:0]
	for _, t := range f.events[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	f.events[id] = kept
	return len(kept)
}

// prune drops devices with no transitions inside the window. Called from the
// maintenance cycle so quiet devices do not pin memory.
func (f *flapTracker) prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-f.window)
	for id, times := range f.events {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(f.events, id)
		}
	}
}
