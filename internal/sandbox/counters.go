package sandbox

import (
	"sync"
	"time"
)

// WindowCounter is a keyed sliding-window counter. Check-and-increment is
// atomic under one mutex so two concurrent callers can never both pass a
// limit check that only one should pass.
type WindowCounter struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

// NewWindowCounter creates a counter with the given sliding window.
func NewWindowCounter(window time.Duration) *WindowCounter {
	return &WindowCounter{
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Count returns the number of events for key inside the current window.
func (c *WindowCounter) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prune(key))
}

// TryAdd records an event for key if the window holds fewer than limit
// events. It returns whether the event was admitted and the in-window
// count after the call. This is the authoritative gate: callers that
// pre-checked Count must still honor a false here.
func (c *WindowCounter) TryAdd(key string, limit int) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.prune(key)
	if len(events) >= limit {
		c.events[key] = events
		return false, len(events)
	}
	events = append(events, c.now())
	c.events[key] = events
	return true, len(events)
}

// Forget drops all events for key. Used when a session ends.
func (c *WindowCounter) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, key)
}

// prune discards events older than the window. Caller must hold mu.
func (c *WindowCounter) prune(key string) []time.Time {
	cutoff := c.now().Add(-c.window)
	events := c.events[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
