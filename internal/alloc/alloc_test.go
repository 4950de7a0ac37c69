package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/errs"
)

func newTestAllocator(ncpu int, n uint64) *Allocator {
	return NewAllocator(Config{NCPU: ncpu, BlockSize: 4096, Start: 0, End: n})
}

func TestAllocateHeadAndTail(t *testing.T) {
	a := newTestAllocator(1, 100)
	bn, n, err := a.NewBlocks(10, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bn)
	assert.Equal(t, uint64(10), n)

	bn, n, err = a.NewBlocks(10, 0, AllocFromTail)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), bn)
	assert.Equal(t, uint64(10), n)

	assert.Equal(t, uint64(80), a.CountFreeBlocks())
}

func TestAllocateClampsToAvailable(t *testing.T) {
	a := newTestAllocator(1, 10)
	_, n, err := a.NewBlocks(100, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	_, _, err = a.NewBlocks(1, 0, AllocFromHead)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoSpace))
}

func TestFreeMergesNeighbors(t *testing.T) {
	a := newTestAllocator(1, 100)
	_, _, err := a.NewBlocks(100, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.CountFreeBlocks())

	require.NoError(t, a.FreeBlocks(0, 10, 10))  // [10,20)
	require.NoError(t, a.FreeBlocks(0, 30, 10))  // [30,40)
	require.NoError(t, a.FreeBlocks(0, 20, 10))  // merges both sides -> [10,40)
	assert.Equal(t, uint64(30), a.CountFreeBlocks())

	bn, n, err := a.NewBlocks(30, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bn)
	assert.Equal(t, uint64(30), n)
}

func TestPinnedCPUFallsBackWhenLocalExhausted(t *testing.T) {
	a := newTestAllocator(2, 100) // cpu0: [0,50) cpu1: [50,100)
	_, _, err := a.NewBlocks(50, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.FreeCount(0))

	bn, n, err := a.NewBlocks(10, 0, AllocFromHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	assert.True(t, bn >= 50)
}

func TestCheckpointRoundTrip(t *testing.T) {
	a := newTestAllocator(1, 100)
	require.NoError(t, a.FreeBlocks(0, 1000, 1)) // a second, disjoint run far from [0,100)
	cp := a.Checkpoint(0)
	require.Len(t, cp, 2)

	b := newTestAllocator(1, 0)
	b.RestoreCheckpoint(0, cp)
	assert.Equal(t, a.CountFreeBlocks(), b.CountFreeBlocks())
}
