package deadcell

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// dirEntry is one on-disk directory record: a dense, non-compacting slot
// that is either in use (inodeNumber != 0) or free.
type dirEntry struct {
	inodeNumber uint32
	nlinkHint   uint32
	filename    [MaxNameLen]byte
}

func (e dirEntry) toBytes() []byte {
	b := make([]byte, dirEntryOnDiskSize)
	binary.LittleEndian.PutUint32(b[0:4], e.inodeNumber)
	binary.LittleEndian.PutUint32(b[4:8], e.nlinkHint)
	copy(b[8:8+MaxNameLen], e.filename[:])
	return b
}

func dirEntryFromBytes(b []byte) dirEntry {
	var e dirEntry
	e.inodeNumber = binary.LittleEndian.Uint32(b[0:4])
	e.nlinkHint = binary.LittleEndian.Uint32(b[4:8])
	copy(e.filename[:], b[8:8+MaxNameLen])
	return e
}

func (e dirEntry) name() string {
	n := bytes.IndexByte(e.filename[:], 0)
	if n < 0 {
		n = len(e.filename)
	}
	return string(e.filename[:n])
}

// dirBlock is one 4 KiB directory frame: a count, then a dense array of
// entries. Entries are never compacted on removal, per spec.md §4.4.
type dirBlock struct {
	nrFiles uint32
	entries [FilesPerBlock]dirEntry
}

func (db dirBlock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], db.nrFiles)
	for i, e := range db.entries {
		off := dirBlockHeaderSize + i*dirEntryOnDiskSize
		copy(b[off:off+dirEntryOnDiskSize], e.toBytes())
	}
	return b
}

func dirBlockFromBytes(b []byte) dirBlock {
	var db dirBlock
	db.nrFiles = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < FilesPerBlock; i++ {
		off := dirBlockHeaderSize + i*dirEntryOnDiskSize
		db.entries[i] = dirEntryFromBytes(b[off : off+dirEntryOnDiskSize])
	}
	return db
}

// DirEntryView is the (name, inode) pair yielded by Iterate.
type DirEntryView struct {
	Name  string
	Inode uint32
}

var errDirEntryFound = errors.New("deadcell: internal: directory entry found")

// Lookup scans extents in order, then covered directory blocks in order,
// then entries in order, for an exact filename match. Per spec.md §4.4.
func (h *InodeHandle) Lookup(name string) (uint32, error) {
	if !h.IsDir() {
		return 0, fmt.Errorf("%w: inode %d is not a directory", ErrInval, h.Number)
	}
	if len(name) > MaxNameLen {
		return 0, ErrNameTooLong
	}

	var found uint32
	err := h.forEachDirBlock(func(physical uint32, db dirBlock) error {
		for _, e := range db.entries {
			if e.inodeNumber == 0 {
				continue
			}
			if e.name() == name {
				found = e.inodeNumber
				return errDirEntryFound
			}
		}
		return nil
	})
	if errors.Is(err, errDirEntryFound) {
		return found, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrNotFound
}

// Iterate yields every non-free (name, inode) pair in scan order. It is
// restartable: each call re-scans from the beginning.
func (h *InodeHandle) Iterate() ([]DirEntryView, error) {
	if !h.IsDir() {
		return nil, fmt.Errorf("%w: inode %d is not a directory", ErrInval, h.Number)
	}
	var out []DirEntryView
	err := h.forEachDirBlock(func(physical uint32, db dirBlock) error {
		for _, e := range db.entries {
			if e.inodeNumber == 0 {
				continue
			}
			out = append(out, DirEntryView{Name: e.name(), Inode: e.inodeNumber})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forEachDirBlock walks every directory block covered by the inode's
// extents, in scan order, calling fn with the decoded block. fn may
// return errDirEntryFound (or any other sentinel) to stop the walk early.
func (h *InodeHandle) forEachDirBlock(fn func(physical uint32, db dirBlock) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec.eiBlock == 0 {
		return nil
	}
	ext, err := h.ensureExtentIndexLocked()
	if err != nil {
		return err
	}
	for i := 0; i < ext.count; i++ {
		e := ext.extents[i]
		for off := uint32(0); off < e.eeLen; off++ {
			physical := e.eeStart + off
			blk, err := h.sb.device().ReadBlock(uint64(physical))
			if err != nil {
				return fmt.Errorf("%w: reading directory block %d: %v", ErrIO, physical, err)
			}
			if err := fn(physical, dirBlockFromBytes(blk)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert places (name, child) in the first free slot found in scan
// order, or grows the directory by one block if none is free; that block
// is merged into the last extent when it is contiguous with it and the
// extent has room, otherwise it starts a new extent. Per spec.md §4.4.
func (h *InodeHandle) Insert(name string, child uint32) error {
	if !h.IsDir() {
		return fmt.Errorf("%w: inode %d is not a directory", ErrInval, h.Number)
	}
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", ErrInval)
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sb.withMetadataTxn(func() error {
		ext, err := h.ensureExtentIndexLocked()
		if err != nil {
			return err
		}

		type slotRef struct {
			extIdx   int
			physical uint32
			slot     int
		}
		var free slotRef
		haveFree := false

		for i := 0; i < ext.count; i++ {
			e := &ext.extents[i]
			for off := uint32(0); off < e.eeLen; off++ {
				physical := e.eeStart + off
				blk, err := h.sb.device().ReadBlock(uint64(physical))
				if err != nil {
					return fmt.Errorf("%w: reading directory block %d: %v", ErrIO, physical, err)
				}
				db := dirBlockFromBytes(blk)
				for slot := range db.entries {
					if db.entries[slot].inodeNumber == 0 {
						if !haveFree {
							free = slotRef{extIdx: i, physical: physical, slot: slot}
							haveFree = true
						}
						continue
					}
					if db.entries[slot].name() == name {
						return ErrExists
					}
				}
			}
		}

		if haveFree {
			blk, err := h.sb.device().ReadBlock(uint64(free.physical))
			if err != nil {
				return fmt.Errorf("%w: reading directory block %d: %v", ErrIO, free.physical, err)
			}
			db := dirBlockFromBytes(blk)
			db.entries[free.slot] = newDirEntry(child, name)
			db.nrFiles++
			if err := h.sb.device().WriteBlock(uint64(free.physical), db.toBytes()); err != nil {
				return fmt.Errorf("%w: writing directory block %d: %v", ErrIO, free.physical, err)
			}
			e := &ext.extents[free.extIdx]
			e.nrFiles++
			ext.nrFiles++
			return ext.persist(h.sb.device())
		}

		// No free slot anywhere: grow by one block (merged into the last
		// extent when contiguous, otherwise a new extent).
		_, physStart, err := ext.append(h.sb, 1)
		if err != nil {
			return err
		}
		h.rec.blocks++

		db := dirBlock{}
		db.entries[0] = newDirEntry(child, name)
		db.nrFiles = 1
		if err := h.sb.device().WriteBlock(uint64(physStart), db.toBytes()); err != nil {
			return fmt.Errorf("%w: writing directory block %d: %v", ErrIO, physStart, err)
		}

		last := &ext.extents[ext.count-1]
		last.nrFiles++
		ext.nrFiles++
		if err := ext.persist(h.sb.device()); err != nil {
			return err
		}
		return h.sb.istore.persistRecordLocked(h)
	})
}

// Remove zeroes the entry's inode field and decrements counters. The
// slot is not compacted, so iteration stays stable across removals, per
// spec.md §4.4.
func (h *InodeHandle) Remove(name string) error {
	if !h.IsDir() {
		return fmt.Errorf("%w: inode %d is not a directory", ErrInval, h.Number)
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rec.eiBlock == 0 {
		return ErrNotFound
	}

	return h.sb.withMetadataTxn(func() error {
		ext, err := h.ensureExtentIndexLocked()
		if err != nil {
			return err
		}

		for i := 0; i < ext.count; i++ {
			e := &ext.extents[i]
			for off := uint32(0); off < e.eeLen; off++ {
				physical := e.eeStart + off
				blk, err := h.sb.device().ReadBlock(uint64(physical))
				if err != nil {
					return fmt.Errorf("%w: reading directory block %d: %v", ErrIO, physical, err)
				}
				db := dirBlockFromBytes(blk)
				for slot := range db.entries {
					if db.entries[slot].inodeNumber == 0 || db.entries[slot].name() != name {
						continue
					}
					db.entries[slot] = dirEntry{}
					db.nrFiles--
					if err := h.sb.device().WriteBlock(uint64(physical), db.toBytes()); err != nil {
						return fmt.Errorf("%w: writing directory block %d: %v", ErrIO, physical, err)
					}
					e.nrFiles--
					ext.nrFiles--
					return ext.persist(h.sb.device())
				}
			}
		}
		return ErrNotFound
	})
}

func newDirEntry(inode uint32, name string) dirEntry {
	var e dirEntry
	e.inodeNumber = inode
	copy(e.filename[:], name)
	return e
}
