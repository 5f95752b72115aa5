// Package memcanary implements the header-canary allocator tier described
// in spec.md §4.1: every allocation is a backing []byte fronted by a fixed
// header carrying a live-canary word and the recorded size, so that free
// can detect use-after-free and double-free before it touches the byte
// counters, and so a freed region can be poisoned rather than silently
// returned to the runtime.
//
// Go's garbage collector makes a literal C-style alloc/free pair
// unnecessary for memory safety, but the diagnostic contract — balance
// counters, canary integrity, poison-on-free — is exactly the kind of
// invariant this runtime is built to expose to its embedder, so it is
// implemented here over manually managed []byte buffers the same way the
// original allocator sits over malloc/free.
package memcanary

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// liveCanary is the four ASCII bytes "LUNE", stored big-endian as the
// header's live sentinel.
const liveCanary uint32 = 0x4C554E45

// poisonByte fills a freed header+region so that a subsequent bad free can
// be classified as "double free" (poisoned) rather than "use-after-free
// of foreign memory" (anything else).
const poisonByte = 0xDE

// poisonCanary is the canary word read back from a fully poisoned header.
const poisonCanary uint32 = 0xDEDEDEDE

// headerSize is the width of the {canary u32, size u32} header prefixed to
// every allocation.
const headerSize = 8

// Backing is the allocator the canary tier wraps. The default Backing
// simply grows Go-heap []byte buffers; Allocator.SetBacking lets the arena
// tier (internal/memarena) splice itself in underneath, per spec.md §4.2's
// "replaces the backing allocator of the canary tier".
type Backing interface {
	// Alloc returns a zeroed buffer of exactly n bytes, or nil if the
	// backing allocator is out of space.
	Alloc(n int) []byte
	// Free returns a buffer previously produced by Alloc.
	Free(buf []byte)
}

type heapBacking struct{}

func (heapBacking) Alloc(n int) []byte { return make([]byte, n) }
func (heapBacking) Free([]byte)        {}

// Ptr is an opaque handle to a live allocation, analogous to a void* that
// happens to have a canary header living just behind it.
type Ptr struct {
	buf []byte // header + user region
}

// Bytes returns the user-visible region of the allocation. The returned
// slice aliases the allocation's storage; it becomes invalid the instant
// Free is called.
func (p *Ptr) Bytes() []byte {
	if p == nil || p.buf == nil {
		return nil
	}
	return p.buf[headerSize:]
}

func (p *Ptr) canary() uint32 {
	return binary.BigEndian.Uint32(p.buf[0:4])
}

func (p *Ptr) recordedSize() uint32 {
	return binary.BigEndian.Uint32(p.buf[4:8])
}

// Allocator is the canary-header allocator tier. The zero value is not
// ready to use; call New.
type Allocator struct {
	mu      sync.Mutex
	backing Backing

	allocCount   uint64
	freeCount    uint64
	allocBytes   uint64
	freeBytes    uint64
	currentBytes uint64
	peakBytes    uint64
}

// New returns an Allocator backed by the Go heap.
func New() *Allocator {
	return &Allocator{backing: heapBacking{}}
}

// SetBacking swaps the backing allocator, e.g. to route allocations
// through an internal/memarena.Arena. Must not be called while allocations
// from the previous backing are still outstanding.
func (a *Allocator) SetBacking(b Backing) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b == nil {
		b = heapBacking{}
	}
	a.backing = b
}

// Alloc reserves size bytes, returning nil if the backing allocator cannot
// satisfy the request.
func (a *Allocator) Alloc(size int) *Ptr {
	if size < 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.backing.Alloc(size + headerSize)
	if buf == nil {
		return nil
	}
	binary.BigEndian.PutUint32(buf[0:4], liveCanary)
	binary.BigEndian.PutUint32(buf[4:8], uint32(size))

	a.allocCount++
	a.allocBytes += uint64(size)
	a.currentBytes += uint64(size)
	if a.currentBytes > a.peakBytes {
		a.peakBytes = a.currentBytes
	}
	return &Ptr{buf: buf}
}

// Calloc behaves like Alloc but zero-fills the region (true regardless,
// since Backing.Alloc returns zeroed memory) and reports overflow of
// n*size as a failure, matching the C contract's overflow check.
func (a *Allocator) Calloc(n, size int) *Ptr {
	if n < 0 || size < 0 {
		return nil
	}
	if n != 0 && size > math.MaxInt/n {
		return nil
	}
	return a.Alloc(n * size)
}

// Realloc resizes the allocation behind p to newSize, preserving the
// min(old, new) prefix of its contents. It returns nil without freeing p
// if p's header is corrupt.
func (a *Allocator) Realloc(p *Ptr, newSize int) *Ptr {
	if p == nil {
		return a.Alloc(newSize)
	}
	if p.canary() != liveCanary {
		return nil
	}
	np := a.Alloc(newSize)
	if np == nil {
		return nil
	}
	n := copy(np.Bytes(), p.Bytes())
	_ = n
	a.Free(p)
	return np
}

// FreeResult classifies the outcome of a Free call, surfaced so callers
// (and tests) can distinguish a clean free from the two corruption modes
// spec.md §4.1 calls out.
type FreeResult int

const (
	// FreeOK means the canary was valid and the region was poisoned and
	// released to the backing allocator.
	FreeOK FreeResult = iota
	// FreeDoubleFree means the header already held the poison pattern:
	// this pointer was freed once already.
	FreeDoubleFree
	// FreeUseAfterFree means the header held neither the live canary nor
	// the poison pattern: the memory belongs to someone else, or was
	// corrupted by an overflow.
	FreeUseAfterFree
)

func (r FreeResult) String() string {
	switch r {
	case FreeOK:
		return "ok"
	case FreeDoubleFree:
		return "double-free"
	case FreeUseAfterFree:
		return "use-after-free"
	default:
		return "unknown"
	}
}

// Free releases p. On a canary mismatch, the byte counters are left
// untouched (the pointer is treated as non-owned) and the buffer is not
// returned to the backing allocator, matching spec.md §4.1.
func (a *Allocator) Free(p *Ptr) FreeResult {
	if p == nil || p.buf == nil {
		return FreeUseAfterFree
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	canary := p.canary()
	if canary != liveCanary {
		if canary == poisonCanary {
			return FreeDoubleFree
		}
		return FreeUseAfterFree
	}

	size := p.recordedSize()
	for i := range p.buf {
		p.buf[i] = poisonByte
	}

	a.freeCount++
	a.freeBytes += uint64(size)
	a.currentBytes -= uint64(size)

	a.backing.Free(p.buf)
	p.buf = nil
	return FreeOK
}

// Stats is an immutable snapshot of the allocator's diagnostic counters.
type Stats struct {
	AllocCount   uint64
	FreeCount    uint64
	AllocBytes   uint64
	FreeBytes    uint64
	CurrentBytes uint64
	PeakBytes    uint64
}

// Stats returns the current counter snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		AllocCount:   a.allocCount,
		FreeCount:    a.freeCount,
		AllocBytes:   a.allocBytes,
		FreeBytes:    a.freeBytes,
		CurrentBytes: a.currentBytes,
		PeakBytes:    a.peakBytes,
	}
}

// AssertBalanced reports every violation of the shutdown balance invariant
// (spec.md §4.1: alloc_count == free_count and current_bytes == 0) as a
// human-readable diagnostic line, prefixed by context. It returns nil when
// balanced. Unlike the original's leak warning, the caller decides what to
// do with the result — log it, fail a test, or ignore it.
func (a *Allocator) AssertBalanced(context string) []string {
	s := a.Stats()
	var diags []string
	if s.AllocCount != s.FreeCount {
		diags = append(diags, fmt.Sprintf("%s: alloc_count(%d) != free_count(%d)", context, s.AllocCount, s.FreeCount))
	}
	if s.CurrentBytes != 0 {
		diags = append(diags, fmt.Sprintf("%s: current_bytes(%d) != 0 (leak)", context, s.CurrentBytes))
	}
	return diags
}
