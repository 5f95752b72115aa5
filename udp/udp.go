// Package udp implements the UDP bind/recv/send primitives described in
// spec.md §4.6, with an optional inline PAXE decode on receive.
//
// Grounded on original_source/src/socket.c's UDP paths for the one-shot
// recv/send contract (the same per-role coref enforcement conn uses) and
// on src/paxe.c for exactly where the inline decode hook plugs into the
// receive callback.
package udp

import (
	"errors"

	"github.com/lunet-run/lunet"
	"github.com/lunet-run/lunet/handlectx"
	"github.com/lunet-run/lunet/internal/coref"
	"github.com/lunet-run/lunet/ioloop"
	"github.com/lunet-run/lunet/paxe"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotLoopback mirrors conn.ErrNotLoopback for UDP binds.
	ErrNotLoopback = errors.New("udp: bind address is not loopback")
	// ErrInvalidPort mirrors conn.ErrInvalidPort for UDP binds.
	ErrInvalidPort = errors.New("udp: port out of range")
)

const recvBufSize = 64 * 1024

// Options configures a Bind call, spec.md §4.6's "opts" bag.
type Options struct {
	// PAXE attempts authenticated decrypt on every datagram received
	// on this endpoint, provided the Decoder it's paired with is also
	// globally enabled.
	PAXE bool
	// ReuseAddr sets SO_REUSEADDR before bind.
	ReuseAddr bool
}

// Addr is a minimal address/port pair returned for received and sent
// datagrams, avoiding a dependency on net.UDPAddr's larger surface. IP
// holds an IPv4 address; V6 set means IP6 holds the address instead,
// needed for the one non-IPv4 member of the bind-address policy
// (spec.md §6), "::1".
type Addr struct {
	IP   [4]byte
	IP6  [16]byte
	V6   bool
	Port int
}

// Endpoint is a bound UDP socket handle.
type Endpoint struct {
	ctx  *handlectx.Ctx
	fd   int
	loop *ioloop.Loop

	opts    Options
	decoder *paxe.Decoder

	registered bool
}

// Bind creates a UDP endpoint bound to host:port. Same loopback policy
// as conn.Listen. decoder may be nil if opts.PAXE is false.
func Bind(loop *ioloop.Loop, host string, port int, opts Options, decoder *paxe.Decoder, skipLoopbackRestriction bool) (*Endpoint, error) {
	if !skipLoopbackRestriction && !lunet.IsLoopback(host) {
		return nil, ErrNotLoopback
	}
	if port < 0 || port > 65535 {
		return nil, ErrInvalidPort
	}

	fd, err := unix.Socket(udpFamily(host), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if opts.ReuseAddr {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}

	addr, err := bindAddr(host, port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	e := &Endpoint{ctx: handlectx.New(), fd: fd, loop: loop, opts: opts, decoder: decoder}
	if err := loop.Poller().RegisterFD(fd, 0, e.onReady); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	e.registered = true
	return e, nil
}

// udpFamily picks the socket family for host, matching bindAddr's set of
// bindable hosts: "::1" is the only AF_INET6 member of the bind-address
// policy (spec.md §6), everything else resolves to AF_INET.
func udpFamily(host string) int {
	if host == "::1" {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// bindAddr resolves host to the sockaddr the bind-address policy
// (spec.md §6: "127.0.0.1", "::1", or "localhost") allows, mirroring
// conn's tcpSockaddr. udpFamily must agree with the cases handled here.
func bindAddr(host string, port int) (unix.Sockaddr, error) {
	switch host {
	case "127.0.0.1", "localhost", "":
		return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}, nil
	case "::1":
		return &unix.SockaddrInet6{Port: port, Addr: [16]byte{15: 1}}, nil
	default:
		return nil, errors.New("udp: unsupported host " + host)
	}
}

// LocalPort returns the bound port, for tests that Bind on port 0.
func (e *Endpoint) LocalPort() (int, error) {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return 0, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, errors.New("udp: unsupported sockaddr type")
	}
}

// FD exposes the raw file descriptor, primarily for tests.
func (e *Endpoint) FD() int { return e.fd }

// Close is idempotent.
func (e *Endpoint) Close() error {
	if !e.ctx.BeginClose() {
		return nil
	}
	if e.registered {
		_ = e.loop.Poller().UnregisterFD(e.fd)
	}
	err := unix.Close(e.fd)
	e.ctx.Release()
	return err
}

func (e *Endpoint) interestMask() ioloop.IOEvents {
	var m ioloop.IOEvents
	if e.ctx.HasCoref(handlectx.RoleRead) {
		m |= ioloop.EventRead
	}
	if e.ctx.HasCoref(handlectx.RoleWrite) {
		m |= ioloop.EventWrite
	}
	return m
}

func (e *Endpoint) onReady(events ioloop.IOEvents) {
	if events&ioloop.EventRead != 0 && e.ctx.HasCoref(handlectx.RoleRead) {
		e.serviceRecv()
	}
	if events&ioloop.EventWrite != 0 && e.ctx.HasCoref(handlectx.RoleWrite) {
		e.serviceSend()
	}
}

func sockaddrToAddr(sa unix.Sockaddr) Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{IP: sa.Addr, Port: sa.Port}
	case *unix.SockaddrInet6:
		return Addr{IP6: sa.Addr, V6: true, Port: sa.Port}
	default:
		return Addr{}
	}
}

// addrSockaddr is sockaddrToAddr's inverse, used by Send to target a
// previously received or caller-built Addr.
func addrSockaddr(a Addr) unix.Sockaddr {
	if a.V6 {
		return &unix.SockaddrInet6{Port: a.Port, Addr: a.IP6}
	}
	return &unix.SockaddrInet4{Port: a.Port, Addr: a.IP}
}

// serviceRecv drains one datagram. When PAXE is enabled and decode
// fails, the datagram is silently dropped per the failure policy and
// the waiting coroutine stays suspended for the next arrival — matching
// spec.md §4.6's "recv coroutine stays suspended" contract.
func (e *Endpoint) serviceRecv() {
	for {
		buf := make([]byte, recvBufSize)
		n, from, err := unix.Recvfrom(e.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			handlectx.Guard(e.ctx, handlectx.RoleRead, func() []any {
				return []any{[]byte(nil), Addr{}, uint32(0), uint8(0), err}
			})
			_ = e.loop.Poller().ModifyFD(e.fd, e.interestMask())
			return
		}

		data := buf[:n]
		addr := sockaddrToAddr(from)

		if e.opts.PAXE && e.decoder != nil && e.decoder.Enabled() {
			plainLen, keyID, flags, err := e.decoder.TryDecrypt(data)
			if err != nil {
				// Dropped per failure policy; keep waiting for the
				// next datagram without resuming the coroutine.
				continue
			}
			handlectx.Guard(e.ctx, handlectx.RoleRead, func() []any {
				return []any{data[:plainLen], addr, keyID, flags, error(nil)}
			})
			_ = e.loop.Poller().ModifyFD(e.fd, e.interestMask())
			return
		}

		handlectx.Guard(e.ctx, handlectx.RoleRead, func() []any {
			return []any{data, addr, uint32(0), uint8(0), error(nil)}
		})
		_ = e.loop.Poller().ModifyFD(e.fd, e.interestMask())
		return
	}
}

// RecvResult is what a completed Recv call returns: the datagram's
// payload (ciphertext or, if PAXE decoded it, recovered plaintext), its
// source address, and — only meaningful in PAXE mode — the frame's
// key_id and flags.
type RecvResult struct {
	Data    []byte
	From    Addr
	KeyID   uint32
	Flags   uint8
}

// Recv yields until a datagram arrives. Matches spec.md §4.6: single
// outstanding call per endpoint.
func Recv(y *coref.Yielder, e *Endpoint) (RecvResult, error) {
	if e.ctx.HasCoref(handlectx.RoleRead) {
		return RecvResult{}, &handlectx.CorefErr{Role: handlectx.RoleRead}
	}

	e.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := e.ctx.TrySetCoref(handlectx.RoleRead, ref); err != nil {
		coref.Release(ref)
		e.ctx.Release()
		return RecvResult{}, err
	}
	if err := e.loop.Poller().ModifyFD(e.fd, e.interestMask()); err != nil {
		coref.Release(ref)
		e.ctx.TakeCoref(handlectx.RoleRead)
		e.ctx.Release()
		return RecvResult{}, err
	}

	results := y.Yield()
	if results[4] != nil {
		return RecvResult{}, results[4].(error)
	}
	data, _ := results[0].([]byte)
	addr, _ := results[1].(Addr)
	keyID, _ := results[2].(uint32)
	flags, _ := results[3].(uint8)
	return RecvResult{Data: data, From: addr, KeyID: keyID, Flags: flags}, nil
}

func (e *Endpoint) serviceSend() {
	handlectx.Guard(e.ctx, handlectx.RoleWrite, func() []any {
		return []any{error(nil)}
	})
	_ = e.loop.Poller().ModifyFD(e.fd, e.interestMask())
}

// Send copies data and sends it to the address to, yielding until the
// datagram has been handed to the kernel or an error occurs.
func Send(y *coref.Yielder, e *Endpoint, data []byte, to Addr) error {
	if e.ctx.HasCoref(handlectx.RoleWrite) {
		return &handlectx.CorefErr{Role: handlectx.RoleWrite}
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	sa := addrSockaddr(to)
	sendErr := unix.Sendto(e.fd, cp, 0, sa)
	if sendErr == nil {
		// Common case: datagram sends are atomic and complete
		// synchronously against a socket buffer with room.
		return nil
	}
	if sendErr != unix.EAGAIN && sendErr != unix.EWOULDBLOCK {
		return sendErr
	}

	e.ctx.Retain()
	ref := coref.Create(y.Coroutine())
	if err := e.ctx.TrySetCoref(handlectx.RoleWrite, ref); err != nil {
		coref.Release(ref)
		e.ctx.Release()
		return err
	}
	if err := e.loop.Poller().ModifyFD(e.fd, e.interestMask()); err != nil {
		coref.Release(ref)
		e.ctx.TakeCoref(handlectx.RoleWrite)
		e.ctx.Release()
		return err
	}

	results := y.Yield()
	if results[0] != nil {
		return results[0].(error)
	}
	return nil
}
