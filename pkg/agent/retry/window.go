// Copyright 2024-2026 Aiku AI

package retry

import (
	"sync"
	"time"
)

// DefaultWindow is the trailing interval in which consecutive failures
// compound.
const DefaultWindow = 5 * time.Minute

// FailureWindow counts consecutive failures. A failure compounds the count
// only when the previous one happened within Window of it; otherwise the
// count starts over at one.
type FailureWindow struct {
	Window time.Duration

	mu    sync.Mutex
	last  time.Time
	count int
}

// NewFailureWindow returns a window of the given width, or [DefaultWindow]
// when width is not positive.
func NewFailureWindow(width time.Duration) *FailureWindow {
	if width <= 0 {
		width = DefaultWindow
	}
	return &FailureWindow{Window: width}
}

// Record registers a failure at now and returns the consecutive count.
func (w *FailureWindow) Record(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 && now.Sub(w.last) <= w.Window {
		w.count++
	} else {
		w.count = 1
	}
	w.last = now
	return w.count
}

// Count returns the current consecutive failure count.
func (w *FailureWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Backoff returns unit multiplied by the consecutive failure count.
func Backoff(unit time.Duration, failures int) time.Duration {
	return unit * time.Duration(failures)
}
