package memarena_test

import (
	"testing"

	"github.com/lunet-run/lunet/internal/memarena"
	"github.com/lunet-run/lunet/internal/memcanary"
	"github.com/stretchr/testify/require"
)

func TestCanaryBackingRoutesThroughArena(t *testing.T) {
	arena, err := memarena.Create(4096, 16)
	require.NoError(t, err)

	backing := memarena.NewCanaryBacking(arena, 16)
	canary := memcanary.New()
	canary.SetBacking(backing)

	p := canary.Alloc(64)
	require.NotNil(t, p)
	require.Len(t, p.Bytes(), 64)

	require.Equal(t, memcanary.FreeOK, canary.Free(p))
	require.Empty(t, canary.AssertBalanced("arena-backed"))
}

func TestCanaryBackingMultipleAllocationsDistinctBlocks(t *testing.T) {
	arena, err := memarena.Create(4096, 16)
	require.NoError(t, err)

	backing := memarena.NewCanaryBacking(arena, 16)
	canary := memcanary.New()
	canary.SetBacking(backing)

	p1 := canary.Alloc(32)
	p2 := canary.Alloc(32)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.NotEqual(t, p1.Bytes()[0:1], nil)

	require.Equal(t, memcanary.FreeOK, canary.Free(p1))
	require.Equal(t, memcanary.FreeOK, canary.Free(p2))
	require.Empty(t, canary.AssertBalanced("arena-backed-multi"))
}
