// Package lunet is an embedded asynchronous I/O runtime exposing
// libuv-style non-blocking primitives to a single-threaded scripting host
// via cooperative coroutines. See SPEC_FULL.md for the full design.
package lunet

import "errors"

// Sentinel errors, matching the taxonomy in spec.md §7.
//
// Invariant violations (canary mismatch, refcount underflow, closed-handle
// reuse) are not returned as values: they are logged through
// internal/rtlog and the callback returns; nothing panics. The
// subpackages (conn, udp, storageunit, fsop, paxe, memarena) define and
// return their own sentinel errors; no package in this module currently
// returns the values below.
var (
	// ErrNotLoopback is returned when a TCP or UDP bind targets a
	// non-loopback address without the skip-loopback-restriction flag.
	ErrNotLoopback = errors.New("lunet: bind address is not loopback")

	// ErrInvalidPort is returned for a port outside [1, 65535].
	ErrInvalidPort = errors.New("lunet: port out of range")

	// ErrBusy is returned when a second read, write, or accept-wait is
	// attempted while one is already outstanding on the same context.
	ErrBusy = errors.New("lunet: operation already in progress")

	// ErrClosed is returned when an operation is attempted on a handle
	// that is already closing or closed.
	ErrClosed = errors.New("lunet: handle is closed")

	// ErrQueueFull is returned when the pending-accepts FIFO would exceed
	// its bound (spec.md §9 "Queue of pending accepts").
	ErrQueueFull = errors.New("lunet: pending accept queue full")

	// ErrOutOfMemory is returned by allocator-backed operations on
	// allocation failure (calloc overflow, arena exhaustion).
	ErrOutOfMemory = errors.New("lunet: out of memory")
)
