package deadcell

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadcellfs/deadcell/blockdevice"
)

func TestMountFreshVolumeStatfs(t *testing.T) {
	sb := newTestSuperblockForExtents(t, 512)
	st := sb.Statfs()
	assert.Equal(t, uint32(BlockSize), st.BlockSize)
	assert.Equal(t, uint64(512), st.NrBlocks)
	assert.Equal(t, uint32(64), st.NrInodes)
	assert.Equal(t, uint32(MaxNameLen), st.MaxNameLen)
	assert.Less(t, st.NrFreeBlocks, st.NrBlocks, "the metadata region must already be marked used")
}

func TestMountRejectsBadMagic(t *testing.T) {
	storage := newFormattedStorage(t, 128, 64)
	raw := storage.Bytes()
	raw[0] = 0
	raw[1] = 0
	raw[2] = 0
	raw[3] = 0

	dev := blockdevice.New(storage, 128)
	_, err := Mount(dev, MountOptions{})
	assert.ErrorIs(t, err, ErrBadFS)
}

func TestMountAfterFixingMagicSucceeds(t *testing.T) {
	storage := newFormattedStorage(t, 128, 64)
	raw := storage.Bytes()
	original := make([]byte, 4)
	copy(original, raw[0:4])
	raw[0] = 0

	dev := blockdevice.New(storage, 128)
	_, err := Mount(dev, MountOptions{})
	require.Error(t, err)

	copy(raw[0:4], original)
	sb, err := Mount(dev, MountOptions{})
	require.NoError(t, err)
	assert.NotNil(t, sb)
}

func TestCreateReadBackFilePersistsAcrossRemount(t *testing.T) {
	storage := newFormattedStorage(t, 512, 64)
	sb := mustMount(t, storage, 512, MountOptions{})

	h, err := sb.istore.Alloc(uint16(fileTypeRegular) | 0o644)
	require.NoError(t, err)
	_, phys, err := h.Append(1)
	require.NoError(t, err)

	payload := make([]byte, BlockSize)
	copy(payload, "hello, deadcell")
	require.NoError(t, sb.dev.WriteBlock(uint64(phys), payload))

	root, err := sb.Iget(RootInode)
	require.NoError(t, err)
	require.NoError(t, root.Insert("greeting.txt", h.Number))

	require.NoError(t, sb.Unmount())

	sb2 := mustMount(t, storage, 512, MountOptions{})
	root2, err := sb2.Iget(RootInode)
	require.NoError(t, err)
	ino, err := root2.Lookup("greeting.txt")
	require.NoError(t, err)
	assert.Equal(t, h.Number, ino)

	h2, err := sb2.Iget(ino)
	require.NoError(t, err)
	p, ok, err := h2.FindBlock(0)
	require.NoError(t, err)
	require.True(t, ok)

	blk, err := sb2.dev.ReadBlock(uint64(p))
	require.NoError(t, err)
	assert.Contains(t, string(blk), "hello, deadcell")
}

func TestExtentCoalescingViaTwoAppends(t *testing.T) {
	sb := newTestSuperblockForExtents(t, 256)
	h, err := sb.istore.Alloc(uint16(fileTypeRegular) | 0o644)
	require.NoError(t, err)

	_, _, err = h.Append(1)
	require.NoError(t, err)
	_, _, err = h.Append(1)
	require.NoError(t, err)

	extents, err := h.Extents()
	require.NoError(t, err)
	require.Len(t, extents, 1)
	assert.Equal(t, uint32(2), extents[0].Len)
}

func TestDirectoryGrowthAcrossManyEntries(t *testing.T) {
	sb := newTestSuperblockForExtents(t, 4096)
	root := mustRootHandle(t, sb)

	n := FilesPerBlock*8 + 1
	for i := 0; i < n; i++ {
		require.NoError(t, root.Insert(fmt.Sprintf("e%05d", i), uint32(2)))
	}
	entries, err := root.Iterate()
	require.NoError(t, err)
	assert.Len(t, entries, n)

	extents, err := root.Extents()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(extents), 1)
}

func TestUnlinkAndReclaimTenTwoBlockFiles(t *testing.T) {
	sb := newTestSuperblockForExtents(t, 1024)
	root := mustRootHandle(t, sb)

	// Directories keep the capacity they grow to, so give root its first
	// directory block before taking the baseline.
	require.NoError(t, root.Insert("placeholder", 2))
	require.NoError(t, root.Remove("placeholder"))

	freeBefore := sb.blocks.CountFree()

	var handles []*InodeHandle
	for i := 0; i < 10; i++ {
		h, err := sb.istore.Alloc(uint16(fileTypeRegular) | 0o644)
		require.NoError(t, err)
		_, _, err = h.Append(2)
		require.NoError(t, err)
		require.NoError(t, root.Insert(fmt.Sprintf("f%d", i), h.Number))
		handles = append(handles, h)
	}

	for i, h := range handles {
		require.NoError(t, root.Remove(fmt.Sprintf("f%d", i)))
		h.DecNlink()
		require.NoError(t, sb.istore.Free(h))
	}

	freeAfter := sb.blocks.CountFree()
	assert.Equal(t, freeBefore, freeAfter, "unlinking and freeing every created file must return nr_free_blocks to its pre-create value")

	for _, h := range handles {
		free, err := sb.inodes.IsFree(h.Number)
		require.NoError(t, err)
		assert.True(t, free)
	}
}

func TestSyncFSWritesBitmapsAndSuperblock(t *testing.T) {
	sb := newTestSuperblockForExtents(t, 256)
	h, err := sb.istore.Alloc(uint16(fileTypeRegular) | 0o644)
	require.NoError(t, err)
	_, _, err = h.Append(1)
	require.NoError(t, err)

	require.NoError(t, sb.SyncFS(true))

	b0, err := sb.dev.ReadBlock(0)
	require.NoError(t, err)
	onDisk, err := superblockFromBytes(b0)
	require.NoError(t, err)
	assert.Equal(t, uint32(sb.inodes.CountFree()), onDisk.nrFreeInodes)
	assert.Equal(t, uint64(sb.blocks.CountFree()), onDisk.nrFreeBlocks)
}
