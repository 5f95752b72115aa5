// Package conn implements the TCP and Unix-domain connection
// primitives described in spec.md §4.5: a listen/accept/read/write
// surface over raw non-blocking sockets registered with an
// ioloop.Loop's poller, each operation suspending its caller's
// coroutine until the loop's completion callback resumes it.
//
// Grounded on original_source/src/socket.c for the lifecycle (context
// allocation, accept-queue draining, one-shot read/write, idempotent
// close) and on the teacher's raw-syscall style rather than net.Listen:
// the coref/coroutine model needs readiness events driven through
// ioloop's poller, not net's blocking-goroutine-per-connection model.
package conn

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lunet-run/lunet"
	"github.com/lunet-run/lunet/handlectx"
	"github.com/lunet-run/lunet/internal/coref"
	"github.com/lunet-run/lunet/internal/rtlog"
	"github.com/lunet-run/lunet/ioloop"
	"golang.org/x/sys/unix"
)

// ErrNotLoopback is returned by Listen when the host is not a loopback
// alias and the runtime was not started with the loopback restriction
// disabled.
var ErrNotLoopback = errors.New("conn: bind address is not loopback")

// ErrInvalidPort is returned by Listen when port is out of range.
var ErrInvalidPort = errors.New("conn: port out of range")

// ErrAcceptWaiterPresent is returned by Accept when a prior Accept call
// is already suspended on this listener.
var ErrAcceptWaiterPresent = errors.New("conn: accept already in progress")

// listenBacklog matches the original's fixed backlog.
const listenBacklog = 128

// Network selects the transport Listen/Connect operate over.
type Network int

const (
	NetworkTCP Network = iota
	NetworkUnix
)

// Conn is a connection-oriented handle: a TCP/Unix listener or a
// connected client, backed by a handlectx.Ctx for lifecycle tracking.
type Conn struct {
	ctx  *handlectx.Ctx
	fd   int
	loop *ioloop.Loop

	// server-only state: connections accepted before a coroutine asked
	// for them
	mu             sync.Mutex
	pendingAccepts []*Conn

	// client-role state: a pending write's unsent remainder
	writeBuf []byte

	registered bool
}

// Listen creates a server-role Conn bound to host:port, matching
// spec.md §4.5's listen contract: TCP requires a loopback host unless
// skipLoopbackRestriction is set; Unix-domain sockets skip that check
// and unlink the target path (given as host) before binding.
func Listen(loop *ioloop.Loop, network Network, host string, port int, skipLoopbackRestriction bool) (*Conn, error) {
	if network == NetworkTCP {
		if !skipLoopbackRestriction && !lunet.IsLoopback(host) {
			return nil, ErrNotLoopback
		}
		if port < 0 || port > 65535 {
			return nil, ErrInvalidPort
		}
	}

	fd, err := bindListener(network, host, port)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	c := &Conn{ctx: handlectx.New(), fd: fd, loop: loop}
	if err := loop.Poller().RegisterFD(fd, ioloop.EventRead, c.onAcceptReady); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c.registered = true
	return c, nil
}

func bindListener(network Network, host string, port int) (int, error) {
	switch network {
	case NetworkUnix:
		_ = unix.Unlink(host)
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		sa := &unix.SockaddrUnix{Name: host}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		return fd, nil
	default:
		fd, err := unix.Socket(tcpFamily(host), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sa, err := tcpSockaddr(host, port)
		if err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		return fd, nil
	}
}

// tcpFamily picks the socket family for host, matching tcpSockaddr's set
// of bindable hosts: "::1" is the only AF_INET6 member of the bind-address
// policy (spec.md §6, §4.5), everything else resolves to AF_INET.
func tcpFamily(host string) int {
	if host == "::1" {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// tcpSockaddr resolves host to the sockaddr the bind-address policy
// (spec.md §6: "127.0.0.1", "::1", or "localhost") allows. "::1" is the
// one member of that set that is not an IPv4 address, so it is the only
// host that returns an AF_INET6 sockaddr; tcpFamily must agree with the
// cases handled here.
func tcpSockaddr(host string, port int) (unix.Sockaddr, error) {
	switch host {
	case "127.0.0.1", "localhost", "":
		return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}, nil
	case "::1":
		return &unix.SockaddrInet6{Port: port, Addr: [16]byte{15: 1}}, nil
	default:
		return nil, fmt.Errorf("conn: unsupported host %q", host)
	}
}

// LocalPort returns the ephemeral or fixed port a listener bound to,
// for tests that Listen on port 0.
func (c *Conn) LocalPort() (int, error) {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return 0, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, fmt.Errorf("conn: unsupported sockaddr type %T", sa)
	}
}

// FD exposes the raw file descriptor, primarily for tests.
func (c *Conn) FD() int { return c.fd }

// Close is idempotent; it stops poller registration and releases the
// handle's own reference, matching spec.md §4.5's close contract.
func (c *Conn) Close() error {
	if !c.ctx.BeginClose() {
		return nil
	}
	if c.registered {
		_ = c.loop.Poller().UnregisterFD(c.fd)
	}
	err := unix.Close(c.fd)
	c.ctx.Release()
	return err
}

// acceptOnce performs a single non-blocking accept4 on the listener,
// returning (nil, nil) on EAGAIN.
func (c *Conn) acceptOnce() (*Conn, error) {
	fd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}
	return &Conn{ctx: handlectx.New(), fd: fd, loop: c.loop}, nil
}

// onAcceptReady is the listener fd's readiness callback: it drains every
// connection the kernel has queued, matching lunet_listen_cb's loop over
// uv_accept, then hands the oldest one to a waiting Accept call if any.
func (c *Conn) onAcceptReady(ioloop.IOEvents) {
	for {
		conn, err := c.acceptOnce()
		if err != nil {
			rtlog.L().Err().Err(err).Log("lunet: accept failed")
			return
		}
		if conn == nil {
			return
		}
		if err := c.loop.Poller().RegisterFD(conn.fd, 0, conn.onIOReady); err != nil {
			rtlog.L().Err().Err(err).Log("lunet: register accepted fd failed")
			_ = unix.Close(conn.fd)
			continue
		}
		conn.registered = true

		c.mu.Lock()
		c.pendingAccepts = append(c.pendingAccepts, conn)
		c.mu.Unlock()

		if c.ctx.HasCoref(handlectx.RoleAccept) {
			handlectx.Guard(c.ctx, handlectx.RoleAccept, func() []any {
				c.mu.Lock()
				next := c.pendingAccepts[0]
				c.pendingAccepts = c.pendingAccepts[1:]
				c.mu.Unlock()
				return []any{next, error(nil)}
			})
		}
	}
}

// Accept returns the next connection queued on listener, yielding the
// caller's coroutine if none is queued yet. Matches spec.md §4.5: a
// second concurrent Accept on the same listener fails synchronously.
func Accept(y *coref.Yielder, listener *Conn) (*Conn, error) {
	listener.mu.Lock()
	if len(listener.pendingAccepts) > 0 {
		next := listener.pendingAccepts[0]
		listener.pendingAccepts = listener.pendingAccepts[1:]
		listener.mu.Unlock()
		return next, nil
	}
	listener.mu.Unlock()

	if listener.ctx.HasCoref(handlectx.RoleAccept) {
		return nil, ErrAcceptWaiterPresent
	}

	listener.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := listener.ctx.TrySetCoref(handlectx.RoleAccept, ref); err != nil {
		coref.Release(ref)
		listener.ctx.Release()
		return nil, err
	}

	results := y.Yield()
	if len(results) != 2 {
		return nil, fmt.Errorf("conn: accept resumed with unexpected arguments")
	}
	if results[1] != nil {
		return nil, results[1].(error)
	}
	if results[0] == nil {
		return nil, nil
	}
	return results[0].(*Conn), nil
}

// onIOReady is a connected socket's readiness callback, dispatching to
// whichever of connect/read/write is currently outstanding.
func (c *Conn) onIOReady(events ioloop.IOEvents) {
	if events&ioloop.EventWrite != 0 && c.ctx.HasCoref(handlectx.RoleConnect) {
		c.serviceConnect()
		return
	}
	if events&ioloop.EventRead != 0 && c.ctx.HasCoref(handlectx.RoleRead) {
		c.serviceRead()
	}
	if events&ioloop.EventWrite != 0 && c.ctx.HasCoref(handlectx.RoleWrite) {
		c.serviceWrite()
	}
}

func (c *Conn) serviceConnect() {
	errno, _ := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	_ = c.loop.Poller().ModifyFD(c.fd, c.interestMask())
	handlectx.Guard(c.ctx, handlectx.RoleConnect, func() []any {
		if errno != 0 {
			return []any{unix.Errno(errno)}
		}
		return []any{error(nil)}
	})
}

const readChunkSize = 64 * 1024

func (c *Conn) serviceRead() {
	buf := make([]byte, readChunkSize)
	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return
	case err != nil:
		handlectx.Guard(c.ctx, handlectx.RoleRead, func() []any {
			return []any{[]byte(nil), err}
		})
	case n == 0:
		handlectx.Guard(c.ctx, handlectx.RoleRead, func() []any {
			return []any{[]byte(nil), io.EOF}
		})
	default:
		data := buf[:n]
		handlectx.Guard(c.ctx, handlectx.RoleRead, func() []any {
			return []any{data, error(nil)}
		})
	}
	_ = c.loop.Poller().ModifyFD(c.fd, c.interestMask())
}

// Read performs one read from c, yielding until data, EOF, or an error
// is available. Matches spec.md §4.5's one-shot read contract: a second
// concurrent Read fails synchronously.
func Read(y *coref.Yielder, c *Conn) ([]byte, error) {
	if c.ctx.HasCoref(handlectx.RoleRead) {
		return nil, &handlectx.CorefErr{Role: handlectx.RoleRead}
	}

	c.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := c.ctx.TrySetCoref(handlectx.RoleRead, ref); err != nil {
		coref.Release(ref)
		c.ctx.Release()
		return nil, err
	}
	if err := c.loop.Poller().ModifyFD(c.fd, c.interestMask()); err != nil {
		coref.Release(ref)
		c.ctx.TakeCoref(handlectx.RoleRead)
		c.ctx.Release()
		return nil, err
	}

	results := y.Yield()
	if results[1] != nil {
		return nil, results[1].(error)
	}
	data, _ := results[0].([]byte)
	return data, nil
}

// interestMask recomputes the epoll interest bits from the roles
// currently outstanding, so enabling one of read/write never clobbers
// the other's registration.
func (c *Conn) interestMask() ioloop.IOEvents {
	var m ioloop.IOEvents
	if c.ctx.HasCoref(handlectx.RoleRead) {
		m |= ioloop.EventRead
	}
	if len(c.writeBuf) > 0 || c.ctx.HasCoref(handlectx.RoleWrite) {
		m |= ioloop.EventWrite
	}
	return m
}

func (c *Conn) serviceWrite() {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.writeBuf = nil
			handlectx.Guard(c.ctx, handlectx.RoleWrite, func() []any {
				return []any{err}
			})
			return
		}
		c.writeBuf = c.writeBuf[n:]
	}
	handlectx.Guard(c.ctx, handlectx.RoleWrite, func() []any {
		return []any{error(nil)}
	})
	_ = c.loop.Poller().ModifyFD(c.fd, c.interestMask())
}

// Write copies data and writes it to c, yielding until the full buffer
// has been written or an error occurs. Matches spec.md §4.5: the caller's
// buffer is copied immediately, so it may be reused the instant Write
// returns control (i.e. the moment it yields).
func Write(y *coref.Yielder, c *Conn, data []byte) error {
	if c.ctx.HasCoref(handlectx.RoleWrite) {
		return &handlectx.CorefErr{Role: handlectx.RoleWrite}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.writeBuf = cp

	c.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := c.ctx.TrySetCoref(handlectx.RoleWrite, ref); err != nil {
		coref.Release(ref)
		c.ctx.Release()
		c.writeBuf = nil
		return err
	}
	if err := c.loop.Poller().ModifyFD(c.fd, c.interestMask()); err != nil {
		coref.Release(ref)
		c.ctx.TakeCoref(handlectx.RoleWrite)
		c.ctx.Release()
		c.writeBuf = nil
		return err
	}

	results := y.Yield()
	if results[0] != nil {
		return results[0].(error)
	}
	return nil
}

// Connect opens a client connection to host:port, yielding until the
// non-blocking connect completes.
func Connect(y *coref.Yielder, loop *ioloop.Loop, network Network, host string, port int) (*Conn, error) {
	var fd int
	var err error
	switch network {
	case NetworkUnix:
		fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	default:
		fd, err = unix.Socket(tcpFamily(host), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	}
	if err != nil {
		return nil, err
	}

	var sa unix.Sockaddr
	if network == NetworkUnix {
		sa = &unix.SockaddrUnix{Name: host}
	} else {
		sa, err = tcpSockaddr(host, port)
		if err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	c := &Conn{ctx: handlectx.New(), fd: fd, loop: loop}

	connErr := unix.Connect(fd, sa)
	if connErr != nil && connErr != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, connErr
	}
	if err := loop.Poller().RegisterFD(fd, 0, c.onIOReady); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c.registered = true
	if connErr == nil {
		// Connected synchronously (common for Unix-domain sockets).
		return c, nil
	}

	c.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := c.ctx.TrySetCoref(handlectx.RoleConnect, ref); err != nil {
		coref.Release(ref)
		c.ctx.Release()
		return nil, err
	}
	if err := loop.Poller().ModifyFD(fd, ioloop.EventWrite); err != nil {
		coref.Release(ref)
		c.ctx.TakeCoref(handlectx.RoleConnect)
		c.ctx.Release()
		return nil, err
	}

	results := y.Yield()
	if results[0] != nil {
		_ = unix.Close(fd)
		return nil, results[0].(error)
	}
	return c, nil
}
