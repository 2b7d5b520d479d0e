// Package limiter provides admission control: a sliding-window rate
// limiter and a global/per-user concurrency gate.
package limiter

import (
	"sync"
	"time"
)

// RateWindow enforces "at most N requests per user per trailing interval".
type RateWindow struct {
	window    time.Duration
	max       int
	unlimited map[string]bool

	mu      sync.Mutex
	entries map[string][]time.Time

	// now is swapped out in tests.
	now func() time.Time
}

// NewRateWindow creates a rate window allowing max requests per window.
// Users in unlimited are exempt from the limit.
func NewRateWindow(window time.Duration, max int, unlimited []string) *RateWindow {
	exempt := make(map[string]bool, len(unlimited))
	for _, u := range unlimited {
		exempt[u] = true
	}
	return &RateWindow{
		window:    window,
		max:       max,
		unlimited: exempt,
		entries:   make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether the user may submit a request now. Only allowed
// attempts are recorded, so rejections never count against the user.
func (w *RateWindow) Allow(userID string) bool {
	if w.unlimited[userID] {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	stamps := w.prune(userID, now)

	if len(stamps) >= w.max {
		return false
	}

	w.entries[userID] = append(stamps, now)
	return true
}

// Count returns the number of recorded requests inside the current window.
func (w *RateWindow) Count(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(userID, w.now()))
}

// prune drops timestamps older than the window. Users whose window is
// empty are removed entirely so long-idle users do not accumulate state.
// Caller must hold mu.
func (w *RateWindow) prune(userID string, now time.Time) []time.Time {
	stamps := w.entries[userID]
	cutoff := now.Add(-w.window)

	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) == 0 {
		delete(w.entries, userID)
	} else {
		w.entries[userID] = stamps
	}
	return stamps
}

// TrackedUsers returns the number of users with a non-empty window.
func (w *RateWindow) TrackedUsers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
