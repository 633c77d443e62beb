// Package ratelimit gates connection attempts against the exchange's
// 150-attempts-per-10-minutes policy using a sliding window of attempt
// timestamps.
package ratelimit

import (
	"sync"
	"time"
)

// Window counts attempts in a trailing time window. Both socket supervisors
// share one Window, so all state is mutex-protected.
type Window struct {
	mu       sync.Mutex
	attempts []time.Time

	window time.Duration
	limit  int
	now    func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow creates an attempt gate allowing limit attempts per window.
func NewWindow(window time.Duration, limit int, opts ...Option) *Window {
	w := &Window{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CanAttempt reports whether another attempt is admissible. It prunes aged
// entries but records nothing; RecordAttempt is the only mutator of the log.
func (w *Window) CanAttempt() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return len(w.attempts) < w.limit
}

// RecordAttempt logs one attempt at the current time.
func (w *Window) RecordAttempt() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.attempts = append(w.attempts, w.now())
}

// WaitTime returns how long until the oldest in-window attempt ages out,
// floored at zero. Zero means an attempt is admissible now.
func (w *Window) WaitTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.attempts) < w.limit {
		return 0
	}

	wait := w.window - now.Sub(w.attempts[0])
	if wait < 0 {
		wait = 0
	}
	return wait
}

// prune drops attempts older than the window. Callers hold w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.attempts) && !w.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[i:]...)
	}
}
