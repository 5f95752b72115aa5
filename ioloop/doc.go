// Package ioloop is the single-threaded event loop at the centre of
// the runtime (spec.md §2/§5): a poller dispatching readiness
// callbacks, a pipe/eventfd-based wakeup so other goroutines can
// interrupt a blocking poll, a task ingress queue for work submitted
// from outside the loop, and a timer heap. Every async primitive in
// conn, udp, storageunit, and fsop submits its work through a Loop and
// resumes its caller's coroutine from a callback run on the loop.
package ioloop
