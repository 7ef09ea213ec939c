package deadcell

import "github.com/deadcellfs/deadcell/blockdevice"

// Magic identifies a deadcell volume at byte offset 0 of block 0.
//
// spec.md writes this as the literal 0xDEACELL, which is not valid
// hexadecimal ('L' is not a hex digit). Read as leet-spelling of
// "DEADCELL" it is unambiguously 0xDEADCE11, which is the constant used
// on disk. See DESIGN.md for this Open Question resolution.
const Magic uint32 = 0xDEADCE11

// BlockSize is fixed across the whole volume.
const BlockSize = blockdevice.BlockSize

const (
	// inodeOnDiskSize is the fixed, padded size of one persisted inode
	// record. 4096 / inodeOnDiskSize must divide evenly so inodes never
	// straddle a block boundary.
	inodeOnDiskSize = 128
	// InodesPerBlock is how many inode slots fit in one inode-store block.
	InodesPerBlock = BlockSize / inodeOnDiskSize

	// MaxBlocksPerExtent bounds how many blocks a single extent can
	// cover, per spec.md §3.
	MaxBlocksPerExtent = 8

	// extentOnDiskSize is the fixed size of one on-disk extent record:
	// ee_block, ee_len, ee_start, nr_files, all uint32.
	extentOnDiskSize = 16
	// extentIndexHeaderSize is the extent-index block's leading nr_files
	// field.
	extentIndexHeaderSize = 4
	// MaxExtents is the number of extent slots in one extent-index block.
	MaxExtents = (BlockSize - extentIndexHeaderSize) / extentOnDiskSize

	// MaxFileSize is the largest logical size representable by a single
	// extent-index block's worth of extents.
	MaxFileSize = uint64(MaxExtents) * uint64(MaxBlocksPerExtent) * BlockSize

	// MaxNameLen is the longest filename a directory entry can hold.
	MaxNameLen = 255

	// dirEntryOnDiskSize is inode_number + nlink_hint + filename[255].
	dirEntryOnDiskSize = 4 + 4 + MaxNameLen
	// dirBlockHeaderSize is the directory block's leading nr_files field.
	dirBlockHeaderSize = 4
	// FilesPerBlock is how many directory entries fit in one directory
	// block.
	FilesPerBlock = (BlockSize - dirBlockHeaderSize) / dirEntryOnDiskSize

	// RootInode is the fixed inode number of the volume root, always a
	// directory.
	RootInode uint32 = 1

	// superblockOnDiskSize bounds how much of block 0 the superblock
	// record occupies; the remainder of the block is reserved.
	superblockOnDiskSize = 64
)
