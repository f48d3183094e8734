package source

import (
	"sync"
	"time"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Width returns End - Start.
func (w Window) Width() time.Duration { return w.End.Sub(w.Start) }

// IsZero reports whether w is unset.
func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

// Forward reports whether w extends the covered span towards now.
func (w Window) forward(newest time.Time) bool { return !w.Start.Before(newest) }

// WindowTracker hands out fetch windows that never overlap anything already
// covered. It keeps the covered span [oldest, newest) and either extends it
// forward to now, once enough new time has passed, or walks backwards one
// width at a time until MaxLookback.
type WindowTracker struct {
	mu          sync.Mutex
	width       time.Duration
	minWindow   time.Duration
	maxLookback time.Duration

	covered bool
	oldest  time.Time
	newest  time.Time
	now     func() time.Time
}

// NewWindowTracker returns a tracker. minWindow <= 0 defaults to width/4.
func NewWindowTracker(width, minWindow, maxLookback time.Duration) *WindowTracker {
	if width <= 0 {
		width = time.Hour
	}
	if minWindow <= 0 {
		minWindow = width / 4
	}
	if maxLookback < width {
		maxLookback = width
	}
	return &WindowTracker{width: width, minWindow: minWindow, maxLookback: maxLookback, now: time.Now}
}

// Next returns the next window to fetch. ok is false when the forward gap is
// still narrower than minWindow and the lookback limit has been reached.
func (t *WindowTracker) Next() (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.covered {
		return Window{Start: now.Add(-t.width), End: now}, true
	}
	if now.Sub(t.newest) >= t.minWindow {
		return Window{Start: t.newest, End: now}, true
	}

	floor := now.Add(-t.maxLookback)
	start := t.oldest.Add(-t.width)
	if start.Before(floor) {
		start = floor
	}
	if !start.Before(t.oldest) {
		return Window{}, false
	}
	return Window{Start: start, End: t.oldest}, true
}

// Commit records w as covered. w must touch the covered span, which holds
// for any window from Next trimmed at its far edge.
func (t *WindowTracker) Commit(w Window) {
	if !w.Start.Before(w.End) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.covered {
		t.oldest, t.newest, t.covered = w.Start, w.End, true
		return
	}
	if w.Start.Before(t.oldest) {
		t.oldest = w.Start
	}
	if w.End.After(t.newest) {
		t.newest = w.End
	}
}

// Span returns the covered range.
func (t *WindowTracker) Span() Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Window{Start: t.oldest, End: t.newest}
}

// IsForward reports whether w, as returned by Next, extends the span
// towards now rather than backwards.
func (t *WindowTracker) IsForward(w Window) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.covered || w.forward(t.newest)
}
