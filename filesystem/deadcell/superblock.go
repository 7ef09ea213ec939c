package deadcell

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/deadcellfs/deadcell/blockdevice"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// onDiskSuperblock is the persisted, volume-wide record at block 0.
// Field order and sizes here are the on-disk wire format.
type onDiskSuperblock struct {
	magic          uint32
	nrBlocks       uint64
	nrInodes       uint32
	nrIstoreBlocks uint32
	nrIfreeBlocks  uint32
	nrBfreeBlocks  uint32
	nrFreeInodes   uint32
	nrFreeBlocks   uint64
	volumeUUID     uuid.UUID
	createdAt      uint64
}

func (sb *onDiskSuperblock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], sb.magic)
	binary.LittleEndian.PutUint64(b[4:12], sb.nrBlocks)
	binary.LittleEndian.PutUint32(b[12:16], sb.nrInodes)
	binary.LittleEndian.PutUint32(b[16:20], sb.nrIstoreBlocks)
	binary.LittleEndian.PutUint32(b[20:24], sb.nrIfreeBlocks)
	binary.LittleEndian.PutUint32(b[24:28], sb.nrBfreeBlocks)
	binary.LittleEndian.PutUint32(b[28:32], sb.nrFreeInodes)
	binary.LittleEndian.PutUint64(b[32:40], sb.nrFreeBlocks)
	copy(b[40:56], sb.volumeUUID[:])
	binary.LittleEndian.PutUint64(b[56:64], sb.createdAt)
	return b
}

func superblockFromBytes(b []byte) (*onDiskSuperblock, error) {
	if len(b) < superblockOnDiskSize {
		return nil, fmt.Errorf("%w: superblock block too short", ErrBadFS)
	}
	sb := &onDiskSuperblock{
		magic:          binary.LittleEndian.Uint32(b[0:4]),
		nrBlocks:       binary.LittleEndian.Uint64(b[4:12]),
		nrInodes:       binary.LittleEndian.Uint32(b[12:16]),
		nrIstoreBlocks: binary.LittleEndian.Uint32(b[16:20]),
		nrIfreeBlocks:  binary.LittleEndian.Uint32(b[20:24]),
		nrBfreeBlocks:  binary.LittleEndian.Uint32(b[24:28]),
		nrFreeInodes:   binary.LittleEndian.Uint32(b[28:32]),
		nrFreeBlocks:   binary.LittleEndian.Uint64(b[32:40]),
		createdAt:      binary.LittleEndian.Uint64(b[56:64]),
	}
	copy(sb.volumeUUID[:], b[40:56])
	if sb.magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x, want %#x", ErrBadFS, sb.magic, Magic)
	}
	return sb, nil
}

// firstIstoreBlock is always 1: block 0 is the superblock.
func firstIstoreBlock() uint64 { return 1 }

func (sb *onDiskSuperblock) firstIfreeBlock() uint64 {
	return firstIstoreBlock() + uint64(sb.nrIstoreBlocks)
}

func (sb *onDiskSuperblock) firstBfreeBlock() uint64 {
	return sb.firstIfreeBlock() + uint64(sb.nrIfreeBlocks)
}

func (sb *onDiskSuperblock) firstDataBlock() uint64 {
	return sb.firstBfreeBlock() + uint64(sb.nrBfreeBlocks)
}

// StatFS mirrors the statfs-style query exposed to the VFS adapter.
type StatFS struct {
	BlockSize     uint32
	NrBlocks      uint64
	NrFreeBlocks  uint64
	NrInodes      uint32
	NrFreeInodes  uint32
	MaxNameLen    uint32
}

// Superblock is the mount-scoped handle: in-memory superblock state, the
// two bitmaps, the inode cache, and (optionally) an attached journal. It
// owns everything destroyed at unmount.
type Superblock struct {
	sb      onDiskSuperblock
	dev     blockdevice.Device
	inodes  *inodeAllocator
	blocks  *blockAllocator
	istore  *InodeStore
	journal JournalDevice
	log     *logrus.Entry

	// txnMu serializes metadata transactions: the journal holds a
	// single slot, so only one may be in flight at a time.
	txnMu        sync.Mutex
	activeTxnDev blockdevice.Device

	mounted bool
}

// device returns the blockdevice.Device metadata code should read and
// write through: the raw device normally, or a transaction-intercepting
// wrapper while withMetadataTxn has one active.
func (sb *Superblock) device() blockdevice.Device {
	if sb.activeTxnDev != nil {
		return sb.activeTxnDev
	}
	return sb.dev
}

// withMetadataTxn brackets a metadata-mutation sequence in a journal
// transaction when one is attached, per spec.md §4.6; with no journal
// attached it just runs fn directly against the real device. fn must
// perform all of its block I/O through sb.device(), not sb.dev, so
// writes land in the transaction instead of bypassing it.
func (sb *Superblock) withMetadataTxn(fn func() error) error {
	if sb.journal == nil {
		return fn()
	}
	sb.txnMu.Lock()
	defer sb.txnMu.Unlock()
	return sb.journal.Transact(func(tx Transaction) error {
		sb.activeTxnDev = &txnBlockDevice{real: sb.dev, tx: tx}
		defer func() { sb.activeTxnDev = nil }()
		return fn()
	})
}

// MountOptions is the parsed form of the comma-separated mount option
// string from spec.md §4.7.
type MountOptions struct {
	// JournalDeviceID, when non-nil, selects an external journal device
	// by id (journal_dev=<u32>). Resolving an id to a backend.Storage is
	// host glue; the caller supplies JournalDeviceResolver to do it.
	JournalDeviceID *uint32
	// JournalPath, when non-empty, selects an external journal device by
	// path (journal_path=<path>).
	JournalPath string
	// JournalDeviceResolver resolves a journal_dev= id to an already
	// opened block device. Required if JournalDeviceID is set.
	JournalDeviceResolver func(id uint32) (blockdevice.Device, error)
	// JournalPathResolver resolves a journal_path= path to an already
	// opened block device. Required if JournalPath is set.
	JournalPathResolver func(path string) (blockdevice.Device, error)
}

// Mount implements the protocol of spec.md §4.5: read block 0, validate
// the magic, load both bitmaps, fetch the root inode, and optionally
// attach a journal.
func Mount(dev blockdevice.Device, opts MountOptions) (*Superblock, error) {
	log := logrus.WithFields(logrus.Fields{"component": "superblock"})

	b0, err := dev.ReadBlock(0)
	if err != nil {
		return nil, fmt.Errorf("%w: reading superblock: %v", ErrIO, err)
	}
	onDisk, err := superblockFromBytes(b0)
	if err != nil {
		return nil, err
	}
	if onDisk.nrFreeInodes > onDisk.nrInodes {
		return nil, fmt.Errorf("%w: nr_free_inodes %d exceeds nr_inodes %d", ErrBadFS, onDisk.nrFreeInodes, onDisk.nrInodes)
	}

	ifreeBuf, err := readBlocks(dev, onDisk.firstIfreeBlock(), uint64(onDisk.nrIfreeBlocks))
	if err != nil {
		return nil, fmt.Errorf("%w: loading inode free bitmap: %v", ErrIO, err)
	}
	bfreeBuf, err := readBlocks(dev, onDisk.firstBfreeBlock(), uint64(onDisk.nrBfreeBlocks))
	if err != nil {
		return nil, fmt.Errorf("%w: loading block free bitmap: %v", ErrIO, err)
	}

	sb := &Superblock{
		sb:  *onDisk,
		dev: dev,
		log: log,
	}
	sb.inodes, err = newInodeAllocator(ifreeBuf, int(onDisk.nrInodes))
	if err != nil {
		return nil, err
	}
	sb.blocks, err = newBlockAllocator(bfreeBuf, int(onDisk.nrBlocks), onDisk.firstDataBlock())
	if err != nil {
		return nil, err
	}
	sb.istore = newInodeStore(sb)

	if opts.JournalDeviceID != nil {
		if opts.JournalDeviceResolver == nil {
			return nil, fmt.Errorf("%w: journal_dev set without a resolver", ErrInval)
		}
		jdev, err := opts.JournalDeviceResolver(*opts.JournalDeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving journal_dev=%d: %v", ErrInval, *opts.JournalDeviceID, err)
		}
		sb.journal, err = attachJournal(sb.dev, jdev)
		if err != nil {
			return nil, err
		}
	} else if opts.JournalPath != "" {
		if opts.JournalPathResolver == nil {
			return nil, fmt.Errorf("%w: journal_path set without a resolver", ErrInval)
		}
		jdev, err := opts.JournalPathResolver(opts.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving journal_path=%s: %v", ErrInval, opts.JournalPath, err)
		}
		sb.journal, err = attachJournal(sb.dev, jdev)
		if err != nil {
			return nil, err
		}
	}

	// Touch the root inode now so a caller immediately sees a mount
	// failure if the root is missing or corrupt, rather than on first
	// use.
	if _, err := sb.istore.Get(RootInode); err != nil {
		return nil, fmt.Errorf("%w: loading root inode: %v", ErrBadFS, err)
	}

	sb.mounted = true
	log.WithFields(logrus.Fields{
		"nr_blocks":      onDisk.nrBlocks,
		"nr_inodes":      onDisk.nrInodes,
		"nr_free_blocks": sb.blocks.CountFree(),
		"journal":        sb.journal != nil,
	}).Info("mounted deadcell volume")
	return sb, nil
}

func readBlocks(dev blockdevice.Device, start, count uint64) ([]byte, error) {
	buf := make([]byte, 0, count*BlockSize)
	for i := uint64(0); i < count; i++ {
		blk, err := dev.ReadBlock(start + i)
		if err != nil {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	return buf, nil
}

func writeBlocks(dev blockdevice.Device, start uint64, data []byte) error {
	for i := 0; i*BlockSize < len(data); i++ {
		chunk := data[i*BlockSize : (i+1)*BlockSize]
		if err := dev.WriteBlock(start+uint64(i), chunk); err != nil {
			return err
		}
	}
	return nil
}

// SyncFS rewrites block 0 and both bitmap regions from in-memory state.
// It is best-effort: every region is attempted even if an earlier one
// failed, and the first-encountered errors are returned aggregated.
func (sb *Superblock) SyncFS(wait bool) error {
	var result *multierror.Error

	sb.sb.nrFreeInodes = uint32(sb.inodes.CountFree())
	sb.sb.nrFreeBlocks = uint64(sb.blocks.CountFree())

	if err := sb.dev.WriteBlock(0, sb.sb.toBytes()); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: writing superblock: %v", ErrIO, err))
	}
	if err := writeBlocks(sb.dev, sb.sb.firstIfreeBlock(), sb.inodes.bm.ToBytes()); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: writing inode bitmap: %v", ErrIO, err))
	}
	if err := writeBlocks(sb.dev, sb.sb.firstBfreeBlock(), sb.blocks.bm.ToBytes()); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: writing block bitmap: %v", ErrIO, err))
	}
	if wait {
		if err := sb.dev.Sync(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: syncing device: %v", ErrIO, err))
		}
	}

	if result != nil {
		sb.log.WithError(result).Warn("sync_fs completed with errors")
		return result.ErrorOrNil()
	}
	sb.log.WithField("wait", wait).Debug("sync_fs complete")
	return nil
}

// Unmount commits/destroys the journal if present, syncs, and releases
// the in-memory bitmaps and superblock state. Using the handle after
// Unmount is a caller bug, per spec.md §5.
func (sb *Superblock) Unmount() error {
	var result *multierror.Error

	if sb.journal != nil {
		if err := sb.journal.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroying journal: %w", err))
		}
	}
	if err := sb.SyncFS(true); err != nil {
		result = multierror.Append(result, err)
	}

	sb.mounted = false
	sb.inodes = nil
	sb.blocks = nil
	sb.istore = nil

	sb.log.Info("unmounted deadcell volume")
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// Statfs returns the statfs-style summary exposed to the VFS adapter.
func (sb *Superblock) Statfs() StatFS {
	return StatFS{
		BlockSize:    BlockSize,
		NrBlocks:     sb.sb.nrBlocks,
		NrFreeBlocks: uint64(sb.blocks.CountFree()),
		NrInodes:     sb.sb.nrInodes,
		NrFreeInodes: uint32(sb.inodes.CountFree()),
		MaxNameLen:   MaxNameLen,
	}
}

// Iget fetches and caches the inode handle for ino, composing the Inode
// store of spec.md §4.3.
func (sb *Superblock) Iget(ino uint32) (*InodeHandle, error) {
	return sb.istore.Get(ino)
}

// Iput releases the caller's interest in a handle. The mount-scoped cache
// may continue to hold it; Iput exists for symmetry with Iget and so a
// future eviction policy has a hook.
func (sb *Superblock) Iput(_ *InodeHandle) {}

func nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}
