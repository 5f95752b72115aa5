//go:build !linux

package ioloop

func createWakeFd() (int, error) {
	return -1, ErrUnsupportedPlatform
}

func signalWakeFd(fd int) error { return ErrUnsupportedPlatform }

func drainWakeFd(fd int) {}
