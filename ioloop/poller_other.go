//go:build !linux

package ioloop

import "errors"

// ErrUnsupportedPlatform is returned by the poller constructor on
// platforms other than Linux. The production kqueue/IOCP backends the
// teacher ships (poller_darwin.go, poller_windows.go) are not ported
// here: Lunet's reference deployment target is Linux, and porting both
// remaining backends faithfully would not exercise any additional
// spec.md semantics beyond what the Linux backend already covers.
var ErrUnsupportedPlatform = errors.New("ioloop: poller backend not implemented on this platform")

type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

type IOCallback func(IOEvents)

type poller struct{}

func newPoller() (*poller, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *poller) Close() error                                       { return nil }
func (p *poller) RegisterFD(fd int, events IOEvents, cb IOCallback) error { return ErrUnsupportedPlatform }
func (p *poller) ModifyFD(fd int, events IOEvents) error              { return ErrUnsupportedPlatform }
func (p *poller) UnregisterFD(fd int) error                           { return ErrUnsupportedPlatform }
func (p *poller) PollIO(timeoutMs int) (int, error)                   { return 0, ErrUnsupportedPlatform }
