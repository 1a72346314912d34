// ABOUTME: Per-connection fixed-window frame throttle
// ABOUTME: Boundary bursts up to twice the capacity are accepted; precision is traded for a two-field state

package ratelimit

import (
	"sync"
	"time"
)

// Defaults for device connections.
const (
	DefaultWindow   = time.Second
	DefaultCapacity = 10
)

// Window admits at most capacity events per fixed window. The window starts at
// the first event after the previous one expired, so two adjacent windows can
// together admit 2x capacity in a short span.
type Window struct {
	mu       sync.Mutex
	length   time.Duration
	capacity int
	start    time.Time
	count    int
}

// NewWindow creates a fixed-window limiter. Non-positive arguments fall back
// to DefaultWindow and DefaultCapacity.
func NewWindow(length time.Duration, capacity int) *Window {
	if length <= 0 {
		length = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{length: length, capacity: capacity}
}

// Allow records one event at now and reports whether it is admitted.
func (w *Window) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.start.IsZero() && now.Sub(w.start) < w.length {
		w.count++
		return w.count <= w.capacity
	}
	w.start = now
	w.count = 1
	return true
}
