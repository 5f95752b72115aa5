// Package handlectx implements the per-operation handle context
// lifecycle described in spec.md §4.4: a canary-tagged, reference
// counted context shared between the script-visible handle and every
// in-flight operation the event loop is running on its behalf, plus
// the callback-guard template every completion callback follows.
package handlectx

import (
	"sync"
	"sync/atomic"

	"github.com/lunet-run/lunet/internal/coref"
	"github.com/lunet-run/lunet/internal/rtlog"
)

// liveCanary is the context sentinel, spec.md's "SOCK".
const liveCanary uint32 = 0x534F434B

// Role identifies which operation slot a coref belongs to.
type Role int

const (
	RoleRead Role = iota
	RoleWrite
	RoleAccept
	RoleConnect
)

// Ctx is the per-handle context: the Go-side analogue of the source's
// heap-allocated struct with a canary, a closing flag, a refcount, and
// one coref slot per concurrent-operation role.
type Ctx struct {
	canary  uint32
	closing atomic.Bool
	refs    atomic.Int32

	mu     sync.Mutex
	corefs [4]coref.Ref // indexed by Role; 0 means "none"

	// FreeHook, if set, runs once when the context's refcount reaches
	// zero — the Go analogue of the source's trace-build free-hook.
	FreeHook func()
}

// New allocates a context with refcount 1 and canary set, matching
// spec.md §4.4's creation sequence.
func New() *Ctx {
	c := &Ctx{canary: liveCanary}
	c.refs.Store(1)
	return c
}

// Valid reports whether the context's canary is intact. A mismatch
// here is the use-after-free diagnostic spec.md calls out.
func (c *Ctx) Valid() bool {
	return c != nil && c.canary == liveCanary
}

// Retain bumps the reference count. Every in-flight operation (read,
// write, connect, accept-wait) must retain before it submits work to
// the event loop.
func (c *Ctx) Retain() {
	c.refs.Add(1)
}

// Release drops the reference count and, when it reaches zero,
// validates the canary, runs FreeHook, and marks the context dead.
// Matches ctx_release: "asserts the canary was valid, fires a
// free-hook (for trace builds) and frees".
func (c *Ctx) Release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	if !c.Valid() {
		rtlog.L().Err().Log("lunet: handlectx canary invalid at zero refcount")
	}
	if c.FreeHook != nil {
		c.FreeHook()
	}
	c.canary = 0
}

// RefCount reports the current reference count, for balance assertions
// in tests.
func (c *Ctx) RefCount() int32 {
	return c.refs.Load()
}

// Closing reports whether Close has been called.
func (c *Ctx) Closing() bool {
	return c.closing.Load()
}

// BeginClose marks the context as closing. Idempotent: returns false
// if it was already closing, matching the source's "close is
// idempotent" contract, so the caller knows not to submit a second
// close request to the event loop.
func (c *Ctx) BeginClose() (first bool) {
	return c.closing.CompareAndSwap(false, true)
}

// CorefErr is returned by TrySetCoref when the named role already has an
// outstanding coref, spec.md §4.4's "another read/write already in
// progress" concurrent-operation policy.
type CorefErr struct {
	Role Role
}

func (e *CorefErr) Error() string {
	switch e.Role {
	case RoleRead:
		return "lunet: another read already in progress"
	case RoleWrite:
		return "lunet: another write already in progress"
	case RoleAccept:
		return "lunet: another accept already in progress"
	default:
		return "lunet: another operation already in progress for this role"
	}
}

// TrySetCoref records ref for role, failing if one is already set.
func (c *Ctx) TrySetCoref(role Role, ref coref.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.corefs[role] != 0 {
		return &CorefErr{Role: role}
	}
	c.corefs[role] = ref
	return nil
}

// TakeCoref clears and returns the coref recorded for role, or 0 if
// none is set. Every completion callback must balance a TrySetCoref
// with exactly one TakeCoref, whether the resume path actually fires.
func (c *Ctx) TakeCoref(role Role) coref.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := c.corefs[role]
	c.corefs[role] = 0
	return ref
}

// HasCoref reports whether role currently has an outstanding coref.
func (c *Ctx) HasCoref(role Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corefs[role] != 0
}

// Guard runs the callback-guard template from spec.md §4.4 around fn.
// It is the single entry point every completion callback in conn, udp,
// and storageunit should use: it validates the canary, checks closing,
// balances the coref for role, and resumes the coroutine — so each
// primitive only has to supply the "normal path" logic as fn.
//
// If the context is nil, already invalid, or closing, Guard performs
// steps 1-3 of the template itself (including releasing the coref and
// the context) and never calls fn. Otherwise it calls fn to obtain the
// resume arguments, resumes the coroutine, and releases the context.
func Guard(c *Ctx, role Role, fn func() []any) {
	if c == nil {
		return
	}
	if !c.Valid() {
		rtlog.L().Err().Log("lunet: handlectx use-after-free detected in completion callback")
		return
	}
	if c.Closing() {
		if ref := c.TakeCoref(role); ref != 0 {
			coref.Release(ref)
		}
		c.Release()
		return
	}

	args := fn()
	ref := c.TakeCoref(role)
	if ref != 0 {
		if co := coref.Release(ref); co != nil {
			coref.Resume(co, args...)
		}
	}
	c.Release()
}
