package deadcell

import (
	"encoding/binary"
	"fmt"

	"github.com/deadcellfs/deadcell/blockdevice"
)

// extentRecord is one on-disk extent: a contiguous run of physical
// blocks covering a contiguous run of logical blocks, per spec.md §3.
type extentRecord struct {
	eeBlock uint32 // first logical block this extent covers
	eeLen   uint32 // blocks covered, 1..MaxBlocksPerExtent; 0 is a hole terminator
	eeStart uint32 // first physical block
	nrFiles uint32 // directory entries held in this extent; 0 for files
}

func (e extentRecord) toBytes() []byte {
	b := make([]byte, extentOnDiskSize)
	binary.LittleEndian.PutUint32(b[0:4], e.eeBlock)
	binary.LittleEndian.PutUint32(b[4:8], e.eeLen)
	binary.LittleEndian.PutUint32(b[8:12], e.eeStart)
	binary.LittleEndian.PutUint32(b[12:16], e.nrFiles)
	return b
}

func extentFromBytes(b []byte) extentRecord {
	return extentRecord{
		eeBlock: binary.LittleEndian.Uint32(b[0:4]),
		eeLen:   binary.LittleEndian.Uint32(b[4:8]),
		eeStart: binary.LittleEndian.Uint32(b[8:12]),
		nrFiles: binary.LittleEndian.Uint32(b[12:16]),
	}
}

// extentIndex is one inode's extent-index block, loaded into memory. Its
// own nrFiles field is a cached total used for quick statfs-style
// queries (spec.md §4.4); each extent's nrFiles is its per-extent total.
type extentIndex struct {
	blockNum uint32
	nrFiles  uint32
	extents  [MaxExtents]extentRecord
	count    int // number of in-use slots (first count entries are non-zero)
}

func newExtentIndex(blockNum uint32) *extentIndex {
	return &extentIndex{blockNum: blockNum}
}

func (ei *extentIndex) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], ei.nrFiles)
	for i := 0; i < ei.count; i++ {
		off := extentIndexHeaderSize + i*extentOnDiskSize
		copy(b[off:off+extentOnDiskSize], ei.extents[i].toBytes())
	}
	return b
}

func extentIndexFromBytes(blockNum uint32, b []byte) (*extentIndex, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("%w: extent-index block too short", ErrBadFS)
	}
	ei := &extentIndex{blockNum: blockNum}
	ei.nrFiles = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < MaxExtents; i++ {
		off := extentIndexHeaderSize + i*extentOnDiskSize
		rec := extentFromBytes(b[off : off+extentOnDiskSize])
		if rec.eeLen == 0 {
			break
		}
		ei.extents[i] = rec
		ei.count = i + 1
	}
	return ei, nil
}

func loadExtentIndex(sb *Superblock, blockNum uint32) (*extentIndex, error) {
	blk, err := sb.device().ReadBlock(uint64(blockNum))
	if err != nil {
		return nil, fmt.Errorf("%w: reading extent-index block %d: %v", ErrIO, blockNum, err)
	}
	return extentIndexFromBytes(blockNum, blk)
}

func (ei *extentIndex) persist(dev blockdevice.Device) error {
	if err := dev.WriteBlock(uint64(ei.blockNum), ei.toBytes()); err != nil {
		return fmt.Errorf("%w: writing extent-index block %d: %v", ErrIO, ei.blockNum, err)
	}
	return nil
}

// find performs the linear scan of spec.md §4.2: return the physical
// block for logical block l, or ok=false if l falls in a hole.
func (ei *extentIndex) find(l uint32) (physical uint32, ok bool) {
	for i := 0; i < ei.count; i++ {
		e := ei.extents[i]
		if l >= e.eeBlock && l < e.eeBlock+e.eeLen {
			return e.eeStart + (l - e.eeBlock), true
		}
	}
	return 0, false
}

// totalLogicalBlocks is the logical length in blocks covered by the last
// extent, i.e. where the next append would start.
func (ei *extentIndex) totalLogicalBlocks() uint32 {
	if ei.count == 0 {
		return 0
	}
	last := ei.extents[ei.count-1]
	return last.eeBlock + last.eeLen
}

// append allocates length contiguous blocks from the bitmap allocator
// and appends (or merges into) the extent array, per spec.md §4.2.
func (ei *extentIndex) append(sb *Superblock, length int) (logicalStart uint32, physicalStart uint32, err error) {
	if length <= 0 {
		return 0, 0, fmt.Errorf("%w: append length must be positive", ErrInval)
	}

	logicalStart = ei.totalLogicalBlocks()

	// Try to merge into the previous extent first: if it can grow to
	// hold length more blocks without exceeding MaxBlocksPerExtent, we
	// still need the allocator to hand back blocks contiguous with it.
	if ei.count > 0 {
		prev := &ei.extents[ei.count-1]
		if prev.eeLen+uint32(length) <= MaxBlocksPerExtent {
			start, got, aerr := sb.blocks.AllocContiguous(length)
			if aerr != nil {
				return 0, 0, aerr
			}
			if got == length && start == uint64(prev.eeStart+prev.eeLen) {
				prev.eeLen += uint32(got)
				return logicalStart, uint32(start), nil
			}
			// Allocator could not hand out an abutting run; fall back
			// to a fresh extent (or extents) below using what we got.
			return ei.appendFromAllocated(sb, logicalStart, start, got, length)
		}
	}

	start, got, aerr := sb.blocks.AllocContiguous(length)
	if aerr != nil {
		return 0, 0, aerr
	}
	return ei.appendFromAllocated(sb, logicalStart, start, got, length)
}

// appendFromAllocated places an already-allocated contiguous run of got
// blocks (out of the length requested) into a new extent slot, requesting
// more slots/allocations if got < length and more than one extent is
// needed to cover the request.
func (ei *extentIndex) appendFromAllocated(sb *Superblock, logicalStart uint32, start uint64, got, length int) (uint32, uint32, error) {
	remaining := length
	cur := start
	curGot := got
	firstPhysical := uint32(start)
	logical := logicalStart

	for remaining > 0 {
		if ei.count >= MaxExtents {
			return 0, 0, ErrFileFull
		}
		n := curGot
		if n > MaxBlocksPerExtent {
			n = MaxBlocksPerExtent
		}
		ei.extents[ei.count] = extentRecord{eeBlock: logical, eeLen: uint32(n), eeStart: uint32(cur)}
		ei.count++

		logical += uint32(n)
		cur += uint64(n)
		remaining -= n
		curGot -= n

		if remaining > 0 && curGot == 0 {
			next := remaining
			s, g, err := sb.blocks.AllocContiguous(next)
			if err != nil {
				return 0, 0, err
			}
			cur = s
			curGot = g
		}
	}
	return logicalStart, firstPhysical, nil
}

// truncate drops extents strictly past logicalLen, trimming the boundary
// extent in place and returning freed physical blocks to the allocator.
func (ei *extentIndex) truncate(sb *Superblock, logicalLen uint32) error {
	newCount := 0
	for i := 0; i < ei.count; i++ {
		e := &ei.extents[i]
		if e.eeBlock >= logicalLen {
			// Entire extent is past the new length: free it.
			if err := freeRun(sb, e.eeStart, e.eeLen); err != nil {
				return err
			}
			continue
		}
		if e.eeBlock+e.eeLen > logicalLen {
			// Boundary extent: trim the tail.
			keep := logicalLen - e.eeBlock
			drop := e.eeLen - keep
			if err := freeRun(sb, e.eeStart+keep, drop); err != nil {
				return err
			}
			e.eeLen = keep
		}
		ei.extents[newCount] = *e
		newCount++
	}
	for i := newCount; i < ei.count; i++ {
		ei.extents[i] = extentRecord{}
	}
	ei.count = newCount
	return nil
}

// freeAll releases every physical block covered by this extent index,
// used when an inode is freed.
func (ei *extentIndex) freeAll(sb *Superblock) error {
	for i := 0; i < ei.count; i++ {
		e := ei.extents[i]
		if err := freeRun(sb, e.eeStart, e.eeLen); err != nil {
			return err
		}
	}
	ei.count = 0
	return nil
}

func freeRun(sb *Superblock, start, length uint32) error {
	for i := uint32(0); i < length; i++ {
		if err := sb.blocks.Free(uint64(start + i)); err != nil {
			return err
		}
	}
	return nil
}

// extentTriple is one (ee_block, ee_len, ee_start) yield of iterate().
type extentTriple struct {
	Block uint32
	Len   uint32
	Start uint32
}

// iterate yields extents in ascending order.
func (ei *extentIndex) iterate() []extentTriple {
	out := make([]extentTriple, 0, ei.count)
	for i := 0; i < ei.count; i++ {
		e := ei.extents[i]
		out = append(out, extentTriple{Block: e.eeBlock, Len: e.eeLen, Start: e.eeStart})
	}
	return out
}

// ensureExtentIndexLocked lazily creates the extent-index block the
// first time an inode gains content, per spec.md §4.8. Callers must hold
// h.mu for writing.
func (h *InodeHandle) ensureExtentIndexLocked() (*extentIndex, error) {
	if h.ext != nil {
		return h.ext, nil
	}
	if h.rec.eiBlock != 0 {
		ext, err := loadExtentIndex(h.sb, h.rec.eiBlock)
		if err != nil {
			return nil, err
		}
		h.ext = ext
		return ext, nil
	}

	blockNum, err := h.sb.blocks.Alloc()
	if err != nil {
		return nil, err
	}
	h.ext = newExtentIndex(uint32(blockNum))
	h.rec.eiBlock = uint32(blockNum)
	return h.ext, nil
}

// Append grows the inode's content by length blocks, persisting the
// updated extent-index block. Returns the logical and physical starting
// block of the newly appended run. The whole operation runs under the
// inode's exclusive lock, per spec.md §5.
func (h *InodeHandle) Append(length int) (logicalStart, physicalStart uint32, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	txErr := h.sb.withMetadataTxn(func() error {
		ext, err := h.ensureExtentIndexLocked()
		if err != nil {
			return err
		}
		logicalStart, physicalStart, err = ext.append(h.sb, length)
		if err != nil {
			return err
		}
		if err := ext.persist(h.sb.device()); err != nil {
			return err
		}
		h.rec.blocks += uint32(length)
		return h.sb.istore.persistRecordLocked(h)
	})
	if txErr != nil {
		return 0, 0, txErr
	}
	return logicalStart, physicalStart, nil
}

// Truncate drops content past logicalLen blocks, under the inode's
// exclusive lock.
func (h *InodeHandle) Truncate(logicalLen uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec.eiBlock == 0 {
		return nil
	}

	return h.sb.withMetadataTxn(func() error {
		ext, err := h.ensureExtentIndexLocked()
		if err != nil {
			return err
		}
		before := ext.totalLogicalBlocks()
		if err := ext.truncate(h.sb, logicalLen); err != nil {
			return err
		}
		after := ext.totalLogicalBlocks()
		h.rec.blocks -= before - after

		if logicalLen == 0 {
			// Allocated(with extents) -> Allocated(no extents): free the
			// extent-index block itself too, per spec.md §4.8.
			eiBlock := h.rec.eiBlock
			h.rec.eiBlock = 0
			h.ext = nil
			if err := h.sb.blocks.Free(uint64(eiBlock)); err != nil {
				return err
			}
			return h.sb.istore.persistRecordLocked(h)
		}
		if err := ext.persist(h.sb.device()); err != nil {
			return err
		}
		return h.sb.istore.persistRecordLocked(h)
	})
}

// FindBlock maps a logical block number to a physical block number.
// Runs under the inode's shared lock upgraded to exclusive only when the
// extent index must be faulted in from disk.
func (h *InodeHandle) FindBlock(logical uint32) (physical uint32, ok bool, err error) {
	h.mu.RLock()
	if h.rec.eiBlock == 0 {
		h.mu.RUnlock()
		return 0, false, nil
	}
	if h.ext != nil {
		physical, ok = h.ext.find(logical)
		h.mu.RUnlock()
		return physical, ok, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec.eiBlock == 0 {
		return 0, false, nil
	}
	ext, err := h.ensureExtentIndexLocked()
	if err != nil {
		return 0, false, err
	}
	p, ok := ext.find(logical)
	return p, ok, nil
}

// Extents returns the inode's extents in ascending order.
func (h *InodeHandle) Extents() ([]extentTriple, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec.eiBlock == 0 {
		return nil, nil
	}
	ext, err := h.ensureExtentIndexLocked()
	if err != nil {
		return nil, err
	}
	return ext.iterate(), nil
}
