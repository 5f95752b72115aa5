package memarena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRejectsUndersizedArena(t *testing.T) {
	_, err := Create(8, 16)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestCreateRejectsBadAlignment(t *testing.T) {
	_, err := Create(4096, 3)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestAllocFromTailSequential(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)

	p1 := a.Alloc(64, 0)
	require.NotNil(t, p1)
	require.Len(t, p1.Bytes(), 64)

	p2 := a.Alloc(128, 0)
	require.NotNil(t, p2)
	require.Len(t, p2.Bytes(), 128)
}

func TestAllocInsufficientTailReturnsNil(t *testing.T) {
	a, err := Create(MinArenaSize+MinBlock, 16)
	require.NoError(t, err)
	require.Nil(t, a.Alloc(1<<20, 0))
}

// TestArenaBestFitExample follows the literal scenario from the design
// document: a 4096-byte arena at baseline alignment 16, allocating
// A=512, B=256, C=512, freeing B, then allocating D=200 at align 16.
// D must land in B's freed slot (best-fit by size) with the remainder
// surviving as a free block.
func TestArenaBestFitExample(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)

	pA := a.Alloc(512, 16)
	pB := a.Alloc(256, 16)
	pC := a.Alloc(512, 16)
	require.NotNil(t, pA)
	require.NotNil(t, pB)
	require.NotNil(t, pC)

	bOffset := a.blocks[pB.block].offset
	a.Free(pB)

	pD := a.Alloc(200, 16)
	require.NotNil(t, pD)
	require.Equal(t, bOffset, a.blocks[pD.block].offset, "D should reuse B's freed slot")
	require.Len(t, pD.Bytes(), 200)

	// The 56-byte remainder (256-200) meets MinBlock and must still be
	// tracked as a free block rather than silently absorbed.
	remainderID := a.blocks[pD.block].next
	require.NotEqual(t, noBlock, remainderID)
	require.Equal(t, kindFree, a.blocks[remainderID].kind)
	require.Equal(t, 56, a.blocks[remainderID].size)
}

func TestFreeMergesPhysicallyAdjacentNeighbours(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)

	p1 := a.Alloc(64, 16)
	p2 := a.Alloc(64, 16)
	p3 := a.Alloc(64, 16)
	p1Offset := a.blocks[p1.block].offset

	a.Free(p1)
	a.Free(p3)
	a.Free(p2) // merges with both physical neighbours

	// After the triple merge there should be exactly one free block
	// spanning all three original allocations, and it should now be the
	// tail (so it has no tree entry and instead rewound a.tail).
	require.Equal(t, noBlock, a.root)
	require.Equal(t, p1Offset, a.tail)
}

func TestFreeLeavesNoPhysicallyAdjacentFreeNeighbours(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)

	p1 := a.Alloc(64, 16)
	p2 := a.Alloc(64, 16)
	_ = a.Alloc(64, 16) // keep the tail non-adjacent

	a.Free(p1)
	a.Free(p2)

	// p1 and p2 should have merged into a single free block in the
	// tree; walk the tree and ensure no two free blocks are physically
	// adjacent.
	require.NotEqual(t, noBlock, a.root)
	require.Equal(t, noBlock, a.blocks[a.root].left)
	require.Equal(t, noBlock, a.blocks[a.root].right)
}

func TestResetInvalidatesState(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)
	_ = a.Alloc(100, 16)
	a.Reset()

	p := a.Alloc(4000, 16)
	require.NotNil(t, p)
}

func TestScratchSingleActiveEnforced(t *testing.T) {
	a, err := Create(4096, 16)
	require.NoError(t, err)

	p1, err := a.AllocScratch(64, 16)
	require.NoError(t, err)
	require.NotNil(t, p1)

	_, err = a.AllocScratch(64, 16)
	require.ErrorIs(t, err, ErrScratchActive)

	a.DestroyScratch(p1)

	p2, err := a.AllocScratch(64, 16)
	require.NoError(t, err)
	require.NotNil(t, p2)
}

func TestScratchDoesNotCollideWithTail(t *testing.T) {
	a, err := Create(256, 16)
	require.NoError(t, err)

	_, err = a.AllocScratch(64, 16)
	require.NoError(t, err)

	// The tail region available for ordinary allocation has shrunk by
	// the scratch allocation's size.
	require.Nil(t, a.Alloc(256, 16))
	require.NotNil(t, a.Alloc(128, 16))
}

func TestNestedArenaCarvesFromParentAndReturnsOnDestroy(t *testing.T) {
	parent, err := Create(4096, 16)
	require.NoError(t, err)

	child, err := CreateNested(parent, 512, 16)
	require.NoError(t, err)
	require.NotNil(t, child)

	p := child.Alloc(64, 16)
	require.NotNil(t, p)

	before := parent.tail
	child.Destroy()
	require.LessOrEqual(t, parent.tail, before, "destroying the nested arena must reclaim its carved block, never grow the tail")
}

func TestBumpAllocatorAdvancesAndResets(t *testing.T) {
	parent, err := Create(4096, 16)
	require.NoError(t, err)

	bp, err := CreateBump(parent, 256, 16)
	require.NoError(t, err)

	b1 := bp.Alloc(32, 16)
	require.Len(t, b1, 32)
	b2 := bp.Alloc(32, 16)
	require.Len(t, b2, 32)

	bp.Reset()
	b3 := bp.Alloc(256, 16)
	require.Len(t, b3, 256)
	require.Nil(t, bp.Alloc(1, 16))
}

func TestBumpAllocatorOverflowReturnsNil(t *testing.T) {
	parent, err := Create(4096, 16)
	require.NoError(t, err)
	bp, err := CreateBump(parent, 64, 16)
	require.NoError(t, err)
	require.Nil(t, bp.Alloc(128, 16))
}
