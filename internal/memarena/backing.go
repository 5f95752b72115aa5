package memarena

import "sync"

// CanaryBacking adapts an Arena to memcanary.Backing, letting the
// canary-header allocator tier route its allocations through an arena
// instead of the Go heap — spec.md §4.2's "when enabled, it replaces
// the backing allocator of the canary tier".
//
// memcanary.Backing only hands Free a []byte, not the Ptr the arena
// needs to release a block, so CanaryBacking tracks the live mapping
// itself, keyed by the address of the slice's first byte (valid as a
// map key without resorting to unsafe, since Go already lets you take
// the address of a slice element).
type CanaryBacking struct {
	mu    sync.Mutex
	arena *Arena
	align int
	live  map[*byte]*Ptr
}

// NewCanaryBacking wraps arena for use as a memcanary.Backing,
// allocating with the given alignment (0 means the arena's baseline).
func NewCanaryBacking(arena *Arena, align int) *CanaryBacking {
	return &CanaryBacking{arena: arena, align: align, live: make(map[*byte]*Ptr)}
}

// Alloc satisfies memcanary.Backing.
func (c *CanaryBacking) Alloc(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.arena.Alloc(n, c.align)
	if p == nil {
		return nil
	}
	// The arena may absorb a small remainder into the block, and a reused
	// block still holds the previous owner's poison bytes, so trim to n
	// and zero the result to keep Backing's contract.
	buf := p.Bytes()[:n]
	clear(buf)
	if len(buf) > 0 {
		c.live[&buf[0]] = p
	}
	return buf
}

// Free satisfies memcanary.Backing.
func (c *CanaryBacking) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := &buf[0]
	p, ok := c.live[key]
	if !ok {
		return
	}
	delete(c.live, key)
	c.arena.Free(p)
}
