package handlectx

import (
	"testing"

	"github.com/lunet-run/lunet/internal/coref"
	"github.com/stretchr/testify/require"
)

func TestNewContextStartsAtRefcountOne(t *testing.T) {
	c := New()
	require.True(t, c.Valid())
	require.EqualValues(t, 1, c.RefCount())
	require.False(t, c.Closing())
}

func TestRetainReleaseBalance(t *testing.T) {
	c := New()
	c.Retain()
	require.EqualValues(t, 2, c.RefCount())
	c.Release()
	require.EqualValues(t, 1, c.RefCount())
	require.True(t, c.Valid())
}

func TestReleaseToZeroFiresFreeHookAndInvalidates(t *testing.T) {
	c := New()
	fired := false
	c.FreeHook = func() { fired = true }
	c.Release()
	require.True(t, fired)
	require.False(t, c.Valid())
}

func TestBeginCloseIdempotent(t *testing.T) {
	c := New()
	require.True(t, c.BeginClose())
	require.False(t, c.BeginClose())
	require.True(t, c.Closing())
}

func TestSecondReadWhileOutstandingFailsSynchronously(t *testing.T) {
	c := New()
	require.NoError(t, c.TrySetCoref(RoleRead, coref.Ref(1)))
	err := c.TrySetCoref(RoleRead, coref.Ref(2))
	require.Error(t, err)
	var corefErr *CorefErr
	require.ErrorAs(t, err, &corefErr)
	require.Equal(t, RoleRead, corefErr.Role)
}

func TestWriteAndReadRolesAreIndependent(t *testing.T) {
	c := New()
	require.NoError(t, c.TrySetCoref(RoleRead, coref.Ref(1)))
	require.NoError(t, c.TrySetCoref(RoleWrite, coref.Ref(2)))
	require.True(t, c.HasCoref(RoleRead))
	require.True(t, c.HasCoref(RoleWrite))
}

func TestTakeCorefClearsSlot(t *testing.T) {
	c := New()
	require.NoError(t, c.TrySetCoref(RoleWrite, coref.Ref(7)))
	ref := c.TakeCoref(RoleWrite)
	require.EqualValues(t, 7, ref)
	require.False(t, c.HasCoref(RoleWrite))

	// After taking, a new write can be started.
	require.NoError(t, c.TrySetCoref(RoleWrite, coref.Ref(8)))
}

func TestGuardNormalPathResumesCoroutine(t *testing.T) {
	c := New()
	c.Retain() // the in-flight operation's reference

	resumed := make(chan []any, 1)
	co := coref.Spawn(func(y *coref.Yielder) {
		resumed <- y.Yield()
	})
	ref := coref.Create(co)
	require.NoError(t, c.TrySetCoref(RoleRead, ref))

	Guard(c, RoleRead, func() []any {
		return []any{"payload", nil}
	})

	require.Equal(t, []any{"payload", nil}, <-resumed)
	require.False(t, c.HasCoref(RoleRead))
	require.EqualValues(t, 1, c.RefCount())
}

func TestGuardClosingPathDoesNotResume(t *testing.T) {
	c := New()
	c.Retain()
	c.BeginClose()

	co := coref.Spawn(func(y *coref.Yielder) {
		y.Yield()
	})
	ref := coref.Create(co)
	require.NoError(t, c.TrySetCoref(RoleWrite, ref))

	called := false
	Guard(c, RoleWrite, func() []any {
		called = true
		return nil
	})

	require.False(t, called, "fn must not run once the context is closing")
	require.False(t, c.HasCoref(RoleWrite))
	require.EqualValues(t, 1, c.RefCount())

	// The coroutine is still anchored: the close path deliberately
	// does not resume it, per spec.md's scenario 3. Guard already
	// balanced the registry entry above (TakeCoref + coref.Release),
	// so clean up the still-suspended test coroutine directly.
	require.True(t, coref.IsAnchored(co))
	coref.Resume(co)
}

func TestGuardOnInvalidContextIsNoOp(t *testing.T) {
	c := New()
	c.Release() // drops to zero, invalidates canary
	require.False(t, c.Valid())

	called := false
	Guard(c, RoleRead, func() []any {
		called = true
		return nil
	})
	require.False(t, called)
}

func TestGuardOnNilContextIsNoOp(t *testing.T) {
	require.NotPanics(t, func() {
		Guard(nil, RoleRead, func() []any { return nil })
	})
}
