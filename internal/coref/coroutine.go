// Package coref implements the coroutine reference registry and the
// alive-set anchor table described in spec.md §3 and §4.3.
//
// Go has no first-class coroutine object the way Lua does, so this package
// builds one: a Coroutine is a goroutine parked on a rendezvous channel,
// and Spawn blocks (like lua_resume) until the goroutine either yields or
// runs to completion. Grounded on the teacher's registry.go, which solves
// exactly the surrounding problem — tracking live objects behind integer
// tokens with weak.Pointer so an object that becomes otherwise unreachable
// can be scavenged instead of leaking forever. Here that unreachability is
// real: between a yield and its resume, the only strong reference to a
// Coroutine is the alive-set entry created by Spawn/Anchor; a bug that
// fails to populate the alive-set will let the GC collect the Coroutine,
// and Release will observe its weak pointer resolve to nil — the Go
// analogue of the host-GC use-after-free the spec warns about.
package coref

import (
	"fmt"

	"github.com/lunet-run/lunet/internal/rtlog"
)

// Status is the outcome of a resume step, mirroring lua_resume's status.
type Status int

const (
	// Yielded means the coroutine suspended again via Yield.
	Yielded Status = iota
	// Completed means the coroutine's function returned normally.
	Completed
	// Errored means the coroutine's function panicked.
	Errored
)

func (s Status) String() string {
	switch s {
	case Yielded:
		return "yielded"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

type event struct {
	status Status
	err    error
}

// Coroutine is a suspendable unit of script-side work.
type Coroutine struct {
	resumeCh chan []any
	syncCh   chan event
}

// Yielder is handed to the coroutine's body, and is the only way it may
// suspend itself.
type Yielder struct {
	co *Coroutine
}

// Yield suspends the coroutine until the next Resume call, returning
// whatever arguments that Resume call supplied.
func (y *Yielder) Yield() []any {
	y.co.syncCh <- event{status: Yielded}
	return <-y.co.resumeCh
}

// Coroutine returns the coroutine y belongs to, so an async primitive
// can register a coref for it (via Create) before yielding.
func (y *Yielder) Coroutine() *Coroutine {
	return y.co
}

// Spawn creates a coroutine, starts it, and runs it synchronously until it
// either yields or finishes — mirroring lunet_spawn's single initial
// lua_resume call. If the coroutine yielded, it is anchored into the
// alive-set (it is now script-owned and must survive across callbacks); if
// it completed or errored, any error is logged and it is never anchored.
func Spawn(fn func(y *Yielder)) *Coroutine {
	co := &Coroutine{
		resumeCh: make(chan []any),
		syncCh:   make(chan event),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("lunet: coroutine panic: %v", r)
				}
				co.syncCh <- event{status: Errored, err: err}
				return
			}
		}()
		fn(&Yielder{co: co})
		co.syncCh <- event{status: Completed}
	}()

	ev := <-co.syncCh
	switch ev.status {
	case Yielded:
		Anchor(co)
	case Errored:
		rtlog.L().Err().Err(ev.err).Log("lunet: coroutine error")
	}
	return co
}

// Resume wakes a suspended coroutine with args, blocking (like lua_resume)
// until it yields again or finishes. Per spec.md §4.3, any status other
// than Yielded unanchors the coroutine before returning — every completion
// callback must resume through this function, never by touching resumeCh
// directly, or a terminated coroutine would never be released from the
// alive-set.
func Resume(co *Coroutine, args ...any) Status {
	co.resumeCh <- args
	ev := <-co.syncCh
	if ev.status != Yielded {
		Unanchor(co)
		if ev.status == Errored {
			rtlog.L().Err().Err(ev.err).Log("lunet: coroutine error")
		}
	}
	return ev.status
}
