package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstFreeIsLowestIndex(t *testing.T) {
	bm := NewBits(16)
	require.NoError(t, bm.Set(0))
	require.NoError(t, bm.Set(1))
	require.NoError(t, bm.Set(3))

	assert.Equal(t, 2, bm.FirstFree(0))
	assert.Equal(t, 4, bm.FirstFree(4))
}

func TestFirstFreeExhausted(t *testing.T) {
	bm := NewBits(8)
	for i := 0; i < 8; i++ {
		require.NoError(t, bm.Set(i))
	}
	assert.Equal(t, -1, bm.FirstFree(0))
}

func TestClearOnAlreadyClearIsAnError(t *testing.T) {
	bm := NewBits(8)
	require.NoError(t, bm.Set(3))
	require.NoError(t, bm.Clear(3))

	err := bm.Clear(3)
	assert.Error(t, err, "clearing an already-clear bit must fail so callers can detect a double free")
}

func TestSetThenClearRoundTrip(t *testing.T) {
	bm := NewBits(32)
	require.NoError(t, bm.Set(17))
	set, err := bm.IsSet(17)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, bm.Clear(17))
	set, err = bm.IsSet(17)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestCountSetAndSize(t *testing.T) {
	bm := NewBits(40)
	assert.Equal(t, 40, bm.Size())
	assert.Equal(t, 0, bm.CountSet())

	for _, loc := range []int{0, 5, 39} {
		require.NoError(t, bm.Set(loc))
	}
	assert.Equal(t, 3, bm.CountSet())

	require.NoError(t, bm.Clear(5))
	assert.Equal(t, 2, bm.CountSet())
}

func TestFromBytesRoundTrip(t *testing.T) {
	raw := []byte{0b0000_0101, 0b1000_0000}
	bm := FromBytes(raw)
	set, err := bm.IsSet(0)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = bm.IsSet(2)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = bm.IsSet(15)
	require.NoError(t, err)
	assert.True(t, set)

	assert.Equal(t, raw, bm.ToBytes())
}

func TestFreeListGroupsContiguousRuns(t *testing.T) {
	bm := NewBits(24)
	require.NoError(t, bm.Set(0))
	require.NoError(t, bm.Set(1))
	require.NoError(t, bm.Set(10))

	list := bm.FreeList()
	require.Len(t, list, 2)
	assert.Equal(t, Contiguous{Position: 2, Count: 8}, list[0])
	assert.Equal(t, Contiguous{Position: 11, Count: 13}, list[1])
}
