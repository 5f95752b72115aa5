package coref

import (
	"sync"
	"weak"
)

// Ref is an opaque token identifying a specific coroutine to resume later
// — the coref of spec.md's glossary. It is what gets stored in an
// event-loop completion context instead of a raw coroutine pointer, the
// same way the C source stores a luaL_ref into the registry rather than a
// lua_State pointer.
type Ref uint64

// registry maps coref tokens to coroutines via weak pointers, following
// the teacher's registry.go pattern almost directly: a coref is only a
// weak reference, because the alive-set — not the registry — is what
// keeps a suspended coroutine reachable. If a coroutine is ever resumed
// through a coref without having been anchored first, Value() resolves to
// nil and the caller can report a use-after-free-shaped bug instead of
// crashing.
type registryT struct {
	mu     sync.Mutex
	data   map[Ref]weak.Pointer[Coroutine]
	nextID Ref
}

var global = &registryT{
	data:   make(map[Ref]weak.Pointer[Coroutine]),
	nextID: 1, // 0 is reserved as "no coref"
}

// Create registers the given coroutine (already anchored, typically by
// Spawn) and returns a fresh token for it. This is coref_create when co is
// the coroutine currently executing the primitive call.
func Create(co *Coroutine) Ref {
	global.mu.Lock()
	defer global.mu.Unlock()
	id := global.nextID
	global.nextID++
	global.data[id] = weak.Make(co)
	return id
}

// CreateRaw registers co exactly like Create. It exists as a distinct name
// because the spec calls out a second constructor, coref_create_raw, used
// when the event loop's current host state differs from the coroutine
// being registered (the timer and one-shot fs paths, where the callback
// fires on the loop's own bookkeeping rather than from inside the
// coroutine itself). The Go implementation has no such distinction — a
// Coroutine reference is a Coroutine reference regardless of who is
// calling — but the separate name is kept so call sites read the same way
// the spec describes them.
func CreateRaw(co *Coroutine) Ref {
	return Create(co)
}

// Release drops the registry entry for ref and returns the coroutine it
// pointed to, or nil if the coroutine was never anchored and has since
// been collected (a coref/alive-set balance violation) or ref is unknown.
// Every Create must be matched by exactly one Release, whether the
// operation completes asynchronously or fails synchronously before the
// first yield (spec.md §8, "coref balance").
func Release(ref Ref) *Coroutine {
	global.mu.Lock()
	wp, ok := global.data[ref]
	delete(global.data, ref)
	global.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// Len reports the number of outstanding (unreleased) coref entries. Used
// by tests to assert the coref-balance invariant.
func Len() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return len(global.data)
}
