//go:build linux

package ioloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Stop()
		_ = l.Close()
	})
	return l
}

func runLoopInBackground(t *testing.T, l *Loop) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run()
	}()
	t.Cleanup(func() {
		l.Stop()
		<-done
	})
}

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	l := newTestLoop(t)
	runLoopInBackground(t, l)

	var ran atomic.Bool
	result := make(chan struct{})
	require.NoError(t, l.Submit(func() {
		ran.Store(true)
		close(result)
	}))

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task never ran")
	}
	require.True(t, ran.Load())
}

func TestScheduleTimerFiresAfterDelay(t *testing.T) {
	l := newTestLoop(t)
	runLoopInBackground(t, l)

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.ScheduleTimer(20*time.Millisecond, func() {
		fired <- time.Now()
	})

	select {
	case when := <-fired:
		require.GreaterOrEqual(t, when.Sub(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleTimerCancel(t *testing.T) {
	l := newTestLoop(t)
	runLoopInBackground(t, l)

	var fired atomic.Bool
	cancel := l.ScheduleTimer(50*time.Millisecond, func() {
		fired.Store(true)
	})
	cancel()

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestSubmitAfterStopReturnsError(t *testing.T) {
	l := newTestLoop(t)
	runLoopInBackground(t, l)
	l.Stop()
	time.Sleep(10 * time.Millisecond)

	err := l.Submit(func() {})
	require.ErrorIs(t, err, ErrLoopStopped)
}

func TestRunTwiceReturnsAlreadyRunning(t *testing.T) {
	l := newTestLoop(t)
	runLoopInBackground(t, l)
	time.Sleep(10 * time.Millisecond)
	require.ErrorIs(t, l.Run(), ErrLoopAlreadyRunning)
}
