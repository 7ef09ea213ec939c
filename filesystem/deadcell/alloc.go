package deadcell

import (
	"fmt"
	"sync"

	"github.com/deadcellfs/deadcell/util/bitmap"
)

// inodeAllocator and blockAllocator are the two instances of spec.md
// §4.1's bitmap allocator: one exclusive mutex per bitmap and lowest-
// index-first allocation. CountFree counts the clear bits of the whole
// bitmap on every call; no free count is cached.
//
// Both bitmaps address absolute ids: the inode bitmap addresses inode
// numbers 0..nr_inodes-1 (bit 0 always reserved), the block bitmap
// addresses block numbers 0..nr_blocks-1. The block allocator never
// searches below the first data block; the bits for the superblock,
// inode store, and both bitmap regions are also pre-set used by mkfs.
// Neither allocator bounds ids by nr_inodes or nr_blocks: mkfs sets the
// padding bits past them in the last bitmap block, and every clear bit
// in the buffer counts as free and can be handed out.

type inodeAllocator struct {
	mu sync.Mutex
	bm *bitmap.Bitmap
}

// newInodeAllocator builds the allocator from the persisted bitmap bytes.
// nrInodes is the superblock's declared inode count, checked against the
// loaded bitmap's capacity so a truncated or mis-sized bitmap region is
// caught at mount time rather than surfacing as spurious ErrNoSpace later.
func newInodeAllocator(raw []byte, nrInodes int) (*inodeAllocator, error) {
	bm := bitmap.FromBytes(raw)
	if bm.Size() < nrInodes {
		return nil, fmt.Errorf("%w: inode bitmap holds %d bits, need at least %d", ErrBadFS, bm.Size(), nrInodes)
	}
	// Inode 0 is reserved and must never be handed out, regardless of
	// what was persisted on disk.
	_ = bm.Set(0)
	return &inodeAllocator{bm: bm}, nil
}

// Alloc returns the lowest-numbered free inode id, or ErrNoSpace.
func (a *inodeAllocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	loc := a.bm.FirstFree(1)
	if loc < 0 {
		return 0, ErrNoSpace
	}
	if err := a.bm.Set(loc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return uint32(loc), nil
}

// Free clears the bit for id. Freeing an id that was already free is a
// caller bug and is reported, not silently ignored.
func (a *inodeAllocator) Free(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bm.Clear(int(id)); err != nil {
		return fmt.Errorf("%w: freeing inode %d: %v", ErrInval, id, err)
	}
	return nil
}

func (a *inodeAllocator) IsFree(id uint32) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, err := a.bm.IsSet(int(id))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInval, err)
	}
	return !set, nil
}

func (a *inodeAllocator) CountFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bm.Size() - a.bm.CountSet()
}

type blockAllocator struct {
	mu             sync.Mutex
	bm             *bitmap.Bitmap
	firstDataBlock uint64
}

// newBlockAllocator builds the allocator from the persisted bitmap bytes.
// nrBlocks is the superblock's declared block count, checked the same way
// as newInodeAllocator's nrInodes.
func newBlockAllocator(raw []byte, nrBlocks int, firstDataBlock uint64) (*blockAllocator, error) {
	bm := bitmap.FromBytes(raw)
	if bm.Size() < nrBlocks {
		return nil, fmt.Errorf("%w: block bitmap holds %d bits, need at least %d", ErrBadFS, bm.Size(), nrBlocks)
	}
	return &blockAllocator{bm: bm, firstDataBlock: firstDataBlock}, nil
}

// Alloc returns the lowest-numbered free block id, or ErrNoSpace.
func (a *blockAllocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	loc := a.bm.FirstFree(int(a.firstDataBlock))
	if loc < 0 {
		return 0, ErrNoSpace
	}
	if err := a.bm.Set(loc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return uint64(loc), nil
}

// AllocContiguous allocates up to want contiguous blocks starting at the
// lowest free id, returning how many it actually got (at least 1, since
// a caller that wanted 0 should not have called this). It never blocks
// waiting for more space than is free; the extent layer decides whether
// a short allocation is acceptable.
func (a *blockAllocator) AllocContiguous(want int) (start uint64, got int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first := a.bm.FirstFree(int(a.firstDataBlock))
	if first < 0 {
		return 0, 0, ErrNoSpace
	}
	got = 1
	for got < want {
		set, err := a.bm.IsSet(first + got)
		if err != nil || set {
			break
		}
		got++
	}
	for i := 0; i < got; i++ {
		if err := a.bm.Set(first + i); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return uint64(first), got, nil
}

func (a *blockAllocator) Free(id uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bm.Clear(int(id)); err != nil {
		return fmt.Errorf("%w: freeing block %d: %v", ErrInval, id, err)
	}
	return nil
}

func (a *blockAllocator) IsFree(id uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, err := a.bm.IsSet(int(id))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInval, err)
	}
	return !set, nil
}

func (a *blockAllocator) CountFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bm.Size() - a.bm.CountSet()
}
