package ioloop

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/lunet-run/lunet/internal/rtlog"
)

// Task is a unit of work submitted to the loop, run on the loop's own
// goroutine.
type Task func()

var (
	// ErrLoopAlreadyRunning is returned by Run when called on a loop
	// that is already running.
	ErrLoopAlreadyRunning = errors.New("ioloop: loop is already running")
	// ErrLoopStopped is returned by Submit once the loop has stopped.
	ErrLoopStopped = errors.New("ioloop: loop has stopped")
)

type timerEntry struct {
	when time.Time
	task Task
	seq  uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Loop is the single-threaded event loop described in spec.md §2/§5:
// a poller dispatching FD readiness callbacks, an eventfd-based wakeup
// so Submit can interrupt a blocking poll from any goroutine, a plain
// mutex-guarded task queue, and a timer min-heap.
//
// Adapted from the teacher's loop.go: kept the poller/wakeup/timer-heap
// trio almost directly, dropped the promise registry, microtask ring,
// and chunked-ingress pooling machinery, none of which this domain
// needs — every submission here is destined for a single coroutine
// resume, not a JS-style microtask queue under heavy producer
// contention.
type Loop struct {
	poller *poller
	wakeFd int

	mu      sync.Mutex
	queue   []Task
	timers  timerHeap
	nextSeq uint64
	running bool
	stopped bool
	stopCh  chan struct{}
}

// New creates a Loop with its poller and wakeup fd initialised but not
// yet running.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	l := &Loop{
		poller: p,
		wakeFd: wakeFd,
		stopCh: make(chan struct{}),
	}
	if err := p.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		drainWakeFd(wakeFd)
	}); err != nil {
		_ = p.Close()
		return nil, err
	}
	return l, nil
}

// Poller exposes the loop's FD poller to the conn/udp packages, which
// register their socket fds directly against it.
func (l *Loop) Poller() interface {
	RegisterFD(fd int, events IOEvents, cb IOCallback) error
	ModifyFD(fd int, events IOEvents) error
	UnregisterFD(fd int) error
} {
	return l.poller
}

// Submit enqueues fn to run on the loop's own goroutine during its
// next iteration, waking a blocked PollIO if necessary. Safe to call
// from any goroutine — this is how worker-thread-pool-style
// completions (storageunit's disk I/O, fsop's one-shot work) hand
// their results back to the loop.
func (l *Loop) Submit(fn Task) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	return signalWakeFd(l.wakeFd)
}

// ScheduleTimer schedules fn to run on the loop no earlier than d from
// now, returning a cancel function.
func (l *Loop) ScheduleTimer(d time.Duration, fn Task) (cancel func()) {
	l.mu.Lock()
	seq := l.nextSeq
	l.nextSeq++
	heap.Push(&l.timers, timerEntry{when: time.Now().Add(d), task: fn, seq: seq})
	l.mu.Unlock()
	_ = signalWakeFd(l.wakeFd)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.timers {
			if e.seq == seq {
				heap.Remove(&l.timers, i)
				return
			}
		}
	}
}

// Run drives the loop until Stop is called. It must be called from
// exactly one goroutine at a time.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrLoopAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		timeout := l.nextTimeout()
		if _, err := l.poller.PollIO(timeout); err != nil {
			rtlog.L().Err().Err(err).Log("ioloop: poll error")
		}

		l.runDueTimers()
		l.drainQueue()
	}
}

// nextTimeout returns the milliseconds until the earliest timer fires,
// -1 (block indefinitely) if there are none, or 0 if one is already
// due.
func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1000 {
		ms = 1000 // re-check stop/queue state at least once a second
	}
	return int(ms)
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		e := heap.Pop(&l.timers).(timerEntry)
		l.mu.Unlock()
		e.task()
	}
}

func (l *Loop) drainQueue() {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

// Stop requests the loop to return from Run after its current
// iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopCh)
	_ = signalWakeFd(l.wakeFd)
}

// Close releases the loop's poller and wakeup fd. Call only after Run
// has returned.
func (l *Loop) Close() error {
	return l.poller.Close()
}
