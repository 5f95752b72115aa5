//go:build linux || darwin

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/lunet-run/lunet"
	"github.com/lunet-run/lunet/ioloop"
	"github.com/stretchr/testify/require"
)

// stoppingEntry registers no real work; it just stops the loop right
// away so loop.Run returns immediately, matching a script that has
// nothing to wait on.
func stoppingEntry(loop *ioloop.Loop, cfg *lunet.Config) error {
	loop.Stop()
	return nil
}

func TestRunRequiresScriptArgument(t *testing.T) {
	var stderr bytes.Buffer
	code := run(nil, func(string) (entryFunc, error) {
		t.Fatal("load should not be called without a script argument")
		return nil, nil
	}, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), ErrNoScript.Error())
}

func TestRunReportsLoadError(t *testing.T) {
	var stderr bytes.Buffer
	loadErr := errors.New("boom")
	code := run([]string{"script.so"}, func(string) (entryFunc, error) {
		return nil, loadErr
	}, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "boom")
}

func TestRunReportsEntryError(t *testing.T) {
	var stderr bytes.Buffer
	entryErr := errors.New("script setup failed")
	code := run([]string{"script.so"}, func(string) (entryFunc, error) {
		return func(loop *ioloop.Loop, cfg *lunet.Config) error {
			return entryErr
		}, nil
	}, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "script setup failed")
}

func TestRunSucceedsAndHonoursExitCode(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"script.so"}, func(string) (entryFunc, error) {
		return func(loop *ioloop.Loop, cfg *lunet.Config) error {
			var exitCode int32 = 7
			cfg.ExitCode = &exitCode
			loop.Stop()
			return nil
		}, nil
	}, &stderr)
	require.Equal(t, 7, code)
}

func TestRunDefaultsExitCodeToZero(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"script.so"}, func(string) (entryFunc, error) {
		return stoppingEntry, nil
	}, &stderr)
	require.Equal(t, 0, code)
}

func TestRunWarnsOnSkipLoopbackRestriction(t *testing.T) {
	var stderr bytes.Buffer
	var sawSkip bool
	code := run([]string{"--dangerously-skip-loopback-restriction", "script.so"}, func(string) (entryFunc, error) {
		return func(loop *ioloop.Loop, cfg *lunet.Config) error {
			sawSkip = cfg.SkipLoopbackRestriction
			loop.Stop()
			return nil
		}, nil
	}, &stderr)
	require.Equal(t, 0, code)
	require.True(t, sawSkip)
	require.True(t, strings.Contains(stderr.String(), "WARNING"))
}
