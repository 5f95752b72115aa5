package coref

import "sync"

// aliveSet is the process-wide strong-reference table described in
// spec.md §3: every coroutine that has yielded is present here, and this
// is the only unconditional root keeping it alive between callbacks.
var aliveSet = struct {
	mu sync.Mutex
	m  map[*Coroutine]struct{}
}{m: make(map[*Coroutine]struct{})}

// Anchor adds co to the alive-set. Idempotent per coroutine.
func Anchor(co *Coroutine) {
	aliveSet.mu.Lock()
	defer aliveSet.mu.Unlock()
	aliveSet.m[co] = struct{}{}
}

// Unanchor removes co from the alive-set. Safe to call even if co was
// never anchored, or was already unanchored.
func Unanchor(co *Coroutine) {
	aliveSet.mu.Lock()
	defer aliveSet.mu.Unlock()
	delete(aliveSet.m, co)
}

// AliveCount reports the number of currently anchored coroutines. Used by
// tests to assert the alive-set balance invariant (spec.md §8).
func AliveCount() int {
	aliveSet.mu.Lock()
	defer aliveSet.mu.Unlock()
	return len(aliveSet.m)
}

// IsAnchored reports whether co is currently present in the alive-set.
func IsAnchored(co *Coroutine) bool {
	aliveSet.mu.Lock()
	defer aliveSet.mu.Unlock()
	_, ok := aliveSet.m[co]
	return ok
}
