package limiter

import (
	"fmt"
	"sync"
)

// Slot is one unit of global and per-user concurrency. It is owned by
// exactly one executing request and must be released exactly once.
type Slot struct {
	userID   string
	released bool
}

// UserID returns the user the slot was acquired for.
func (s *Slot) UserID() string {
	return s.userID
}

// Gate tracks in-flight downloads against a global cap and a per-user
// cap. Acquisition is non-blocking; callers that cannot acquire must
// queue and retry when a slot is released.
type Gate struct {
	globalMax  int
	perUserMax int

	mu      sync.Mutex
	active  int
	perUser map[string]int
}

// NewGate creates a gate with the given caps.
func NewGate(globalMax, perUserMax int) *Gate {
	return &Gate{
		globalMax:  globalMax,
		perUserMax: perUserMax,
		perUser:    make(map[string]int),
	}
}

// TryAcquire atomically claims a slot for the user if both the global
// and the per-user counter are below their caps.
func (g *Gate) TryAcquire(userID string) (*Slot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active >= g.globalMax {
		return nil, false
	}
	if g.perUser[userID] >= g.perUserMax {
		return nil, false
	}

	g.active++
	g.perUser[userID]++
	return &Slot{userID: userID}, true
}

// CanAcquire reports whether TryAcquire for the user would succeed now.
func (g *Gate) CanAcquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active < g.globalMax && g.perUser[userID] < g.perUserMax
}

// Release returns a slot to the gate. Releasing a slot twice is a
// programming error and panics rather than silently corrupting counters.
func (g *Gate) Release(slot *Slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if slot.released {
		panic(fmt.Sprintf("limiter: double release of slot for user %s", slot.userID))
	}
	if g.active <= 0 || g.perUser[slot.userID] <= 0 {
		panic(fmt.Sprintf("limiter: release without matching acquire for user %s", slot.userID))
	}
	slot.released = true

	g.active--
	if g.perUser[slot.userID] == 1 {
		delete(g.perUser, slot.userID)
	} else {
		g.perUser[slot.userID]--
	}
}

// Active returns the total number of in-flight slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// ActiveFor returns the number of in-flight slots held by the user.
func (g *Gate) ActiveFor(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perUser[userID]
}
