package deadcell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadcellfs/deadcell/util/bitmap"
)

func bitsBytes(n int) []byte {
	return make([]byte, (n+7)/8)
}

func TestInodeAllocatorLowestIndexFirst(t *testing.T) {
	a, err := newInodeAllocator(bitsBytes(64), 64)
	require.NoError(t, err)

	first, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first, "bit 0 is reserved; the raw bitmap here has nothing else set so allocation starts at the lowest free bit after it")

	require.NoError(t, a.Free(first))
	second, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, first, second, "freeing the lowest allocated id must make it the next allocation again")
}

func TestInodeAllocatorZeroNeverHandedOut(t *testing.T) {
	a, err := newInodeAllocator(bitsBytes(8), 8)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		assert.NotEqual(t, uint32(0), id)
	}
}

func TestInodeAllocatorRejectsUndersizedBitmap(t *testing.T) {
	_, err := newInodeAllocator(bitsBytes(4), 64)
	assert.ErrorIs(t, err, ErrBadFS)
}

func TestInodeAllocatorExhaustion(t *testing.T) {
	bm := bitmap.NewBits(8)
	a := &inodeAllocator{bm: bm}
	// Inode 0 is never handed out, so 8 bits yield ids 1..7.
	for i := 0; i < 7; i++ {
		_, err := a.Alloc()
		require.NoError(t, err)
	}
	_, err := a.Alloc()
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestInodeAllocatorDoubleFreeIsError(t *testing.T) {
	a, err := newInodeAllocator(bitsBytes(64), 64)
	require.NoError(t, err)
	id, err := a.Alloc()
	require.NoError(t, err)
	require.NoError(t, a.Free(id))
	assert.Error(t, a.Free(id))
}

func TestBlockAllocatorSkipsMetadataRegion(t *testing.T) {
	raw := bitsBytes(1000)
	for i := 0; i < 10; i++ {
		raw[0] |= 1 << uint(i%8)
	}
	a, err := newBlockAllocator(raw, 1000, 10)
	require.NoError(t, err)
	id, err := a.Alloc()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, uint64(10))
}

func TestBlockAllocatorRejectsUndersizedBitmap(t *testing.T) {
	_, err := newBlockAllocator(bitsBytes(4), 1000, 0)
	assert.ErrorIs(t, err, ErrBadFS)
}

func TestBlockAllocatorContiguousAllocation(t *testing.T) {
	a, err := newBlockAllocator(bitsBytes(1000), 1000, 0)
	require.NoError(t, err)
	start, got, err := a.AllocContiguous(4)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, uint64(0), start)

	start2, got2, err := a.AllocContiguous(4)
	require.NoError(t, err)
	assert.Equal(t, 4, got2)
	assert.Equal(t, uint64(4), start2)
}

func TestBlockAllocatorShortAllocationOnFragmentedFreeSpace(t *testing.T) {
	a, err := newBlockAllocator(bitsBytes(1000), 1000, 0)
	require.NoError(t, err)
	// Occupy block 2 so a request for 4 starting at 0 can only get 2.
	require.NoError(t, a.bm.Set(2))

	start, got, err := a.AllocContiguous(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, 2, got, "allocation must stop at the first already-set bit rather than skipping over it")
}

func TestBlockAllocatorNoSpaceLeavesBitmapUnchanged(t *testing.T) {
	a, err := newBlockAllocator(bitsBytes(8), 8, 0)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := a.Alloc()
		require.NoError(t, err)
	}
	before := a.CountFree()
	_, _, err = a.AllocContiguous(1)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, before, a.CountFree())
}

func TestBlockAllocatorDoubleFreeIsError(t *testing.T) {
	a, err := newBlockAllocator(bitsBytes(1000), 1000, 0)
	require.NoError(t, err)
	id, err := a.Alloc()
	require.NoError(t, err)
	require.NoError(t, a.Free(id))
	assert.Error(t, a.Free(id))
}
