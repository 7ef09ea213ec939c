package deadcell

import (
	"testing"

	"github.com/deadcellfs/deadcell/backend/memory"
	"github.com/deadcellfs/deadcell/blockdevice"
	"github.com/google/uuid"
)

// newFormattedStorage hand-builds a minimal valid on-disk image directly in
// memory: superblock, both free bitmaps, and a root directory inode.
// Formatting a volume (mkfs) is out of spec scope as library code, so tests
// construct one by hand instead of going through a package API.
func newFormattedStorage(t *testing.T, nrBlocks uint64, nrInodes uint32) *memory.Storage {
	t.Helper()

	nrIstoreBlocks := (nrInodes + InodesPerBlock - 1) / InodesPerBlock
	bitsPerBlock := uint32(BlockSize * 8)
	nrIfreeBlocks := (nrInodes + bitsPerBlock - 1) / bitsPerBlock
	nrBfreeBlocks := (uint32(nrBlocks) + bitsPerBlock - 1) / bitsPerBlock

	onDisk := onDiskSuperblock{
		magic:          Magic,
		nrBlocks:       nrBlocks,
		nrInodes:       nrInodes,
		nrIstoreBlocks: nrIstoreBlocks,
		nrIfreeBlocks:  nrIfreeBlocks,
		nrBfreeBlocks:  nrBfreeBlocks,
		volumeUUID:     uuid.New(),
		createdAt:      1700000000,
	}
	firstData := onDisk.firstDataBlock()
	if firstData >= nrBlocks {
		t.Fatalf("newFormattedStorage: metadata region (%d blocks) does not fit in %d blocks", firstData, nrBlocks)
	}

	// Inode 0 and RootInode (1) are allocated; nr_free_inodes accounts for
	// both being unavailable.
	onDisk.nrFreeInodes = nrInodes - 2
	// Every block up to firstData is metadata and pre-marked used.
	onDisk.nrFreeBlocks = nrBlocks - firstData

	storage := memory.New(int64(nrBlocks) * BlockSize)
	dev := blockdevice.New(storage, nrBlocks)

	mustWriteBlock(t, dev, 0, onDisk.toBytes())

	ifreeBytes := make([]byte, nrIfreeBlocks*BlockSize)
	setBit(ifreeBytes, 0)
	setBit(ifreeBytes, int(RootInode))
	// Padding bits past nrInodes / nrBlocks in the last bitmap block are
	// marked used, so they are neither allocated nor counted as free.
	for i := int(nrInodes); i < len(ifreeBytes)*8; i++ {
		setBit(ifreeBytes, i)
	}
	mustWriteRegion(t, dev, onDisk.firstIfreeBlock(), ifreeBytes)

	bfreeBytes := make([]byte, nrBfreeBlocks*BlockSize)
	for b := uint64(0); b < firstData; b++ {
		setBit(bfreeBytes, int(b))
	}
	for b := int(nrBlocks); b < len(bfreeBytes)*8; b++ {
		setBit(bfreeBytes, b)
	}
	mustWriteRegion(t, dev, onDisk.firstBfreeBlock(), bfreeBytes)

	now := nowSeconds()
	root := onDiskInode{
		mode:  uint16(fileTypeDirectory) | 0o755,
		nlink: 2,
		ctime: now,
		atime: now,
		mtime: now,
	}
	block, slot := inodeLocation(RootInode)
	blk := make([]byte, BlockSize)
	copy(blk[slot*inodeOnDiskSize:(slot+1)*inodeOnDiskSize], root.toBytes())
	mustWriteBlock(t, dev, block, blk)

	return storage
}

func setBit(b []byte, loc int) {
	b[loc/8] |= 1 << uint(loc%8)
}

func mustWriteBlock(t *testing.T, dev blockdevice.Device, n uint64, data []byte) {
	t.Helper()
	if err := dev.WriteBlock(n, data); err != nil {
		t.Fatalf("writing block %d: %v", n, err)
	}
}

func mustWriteRegion(t *testing.T, dev blockdevice.Device, start uint64, data []byte) {
	t.Helper()
	for i := 0; i*BlockSize < len(data); i++ {
		mustWriteBlock(t, dev, start+uint64(i), data[i*BlockSize:(i+1)*BlockSize])
	}
}

// mustMount mounts the image in storage with nrBlocks blocks, failing the
// test immediately on error.
func mustMount(t *testing.T, storage *memory.Storage, nrBlocks uint64, opts MountOptions) *Superblock {
	t.Helper()
	dev := blockdevice.New(storage, nrBlocks)
	sb, err := Mount(dev, opts)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return sb
}
