package deadcell

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// fileType occupies the top nibble of mode, exactly as the classic unix
// mode-bits split between type and permissions.
type fileType uint16

const (
	fileTypeRegular   fileType = 0x8000
	fileTypeDirectory fileType = 0x4000
	fileTypeSymlink   fileType = 0xA000
	fileTypeMask      uint16   = 0xF000
)

// onDiskInode is the fixed-size, little-endian persisted inode record of
// spec.md §3. It is identical on disk and (for the persisted portion) in
// memory.
type onDiskInode struct {
	mode       uint16
	uid        uint32
	gid        uint32
	size       uint64
	ctime      uint32
	atime      uint32
	mtime      uint32
	blocks     uint32
	nlink      uint32
	eiBlock    uint32
	inlineData [32]byte
}

func (i *onDiskInode) toBytes() []byte {
	b := make([]byte, inodeOnDiskSize)
	binary.LittleEndian.PutUint16(b[0:2], i.mode)
	binary.LittleEndian.PutUint32(b[2:6], i.uid)
	binary.LittleEndian.PutUint32(b[6:10], i.gid)
	binary.LittleEndian.PutUint64(b[10:18], i.size)
	binary.LittleEndian.PutUint32(b[18:22], i.ctime)
	binary.LittleEndian.PutUint32(b[22:26], i.atime)
	binary.LittleEndian.PutUint32(b[26:30], i.mtime)
	binary.LittleEndian.PutUint32(b[30:34], i.blocks)
	binary.LittleEndian.PutUint32(b[34:38], i.nlink)
	binary.LittleEndian.PutUint32(b[38:42], i.eiBlock)
	copy(b[42:74], i.inlineData[:])
	return b
}

func inodeFromBytes(b []byte) (*onDiskInode, error) {
	if len(b) < inodeOnDiskSize {
		return nil, fmt.Errorf("%w: inode record too short", ErrBadFS)
	}
	i := &onDiskInode{
		mode:    binary.LittleEndian.Uint16(b[0:2]),
		uid:     binary.LittleEndian.Uint32(b[2:6]),
		gid:     binary.LittleEndian.Uint32(b[6:10]),
		size:    binary.LittleEndian.Uint64(b[10:18]),
		ctime:   binary.LittleEndian.Uint32(b[18:22]),
		atime:   binary.LittleEndian.Uint32(b[22:26]),
		mtime:   binary.LittleEndian.Uint32(b[26:30]),
		blocks:  binary.LittleEndian.Uint32(b[30:34]),
		nlink:   binary.LittleEndian.Uint32(b[34:38]),
		eiBlock: binary.LittleEndian.Uint32(b[38:42]),
	}
	copy(i.inlineData[:], b[42:74])
	return i, nil
}

func (i *onDiskInode) fileType() fileType {
	return fileType(i.mode & fileTypeMask)
}

func (i *onDiskInode) isDir() bool     { return i.fileType() == fileTypeDirectory }
func (i *onDiskInode) isSymlink() bool { return i.fileType() == fileTypeSymlink }

// InodeHandle is the in-memory, mount-scoped handle for one inode: the
// decoded on-disk record, a per-inode reader/writer lock guarding the
// record and its extent-index block (spec.md §5), and the lazily loaded
// extent index.
type InodeHandle struct {
	Number uint32

	mu  sync.RWMutex
	rec onDiskInode
	sb  *Superblock
	ext *extentIndex // nil until first loaded/created
}

// Mode, Size, Nlink, etc. are read under the inode's lock so a concurrent
// writer cannot tear a read.

func (h *InodeHandle) Mode() uint16 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.mode
}

func (h *InodeHandle) IsDir() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.isDir()
}

func (h *InodeHandle) IsSymlink() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.isSymlink()
}

func (h *InodeHandle) Size() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.size
}

func (h *InodeHandle) Nlink() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.nlink
}

func (h *InodeHandle) Owner() (uid, gid uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.uid, h.rec.gid
}

func (h *InodeHandle) Times() (ctime, atime, mtime uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.ctime, h.rec.atime, h.rec.mtime
}

// LinkTarget returns the symlink target stored inline. Only meaningful
// when IsSymlink() is true.
func (h *InodeHandle) LinkTarget() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for n < len(h.rec.inlineData) && h.rec.inlineData[n] != 0 {
		n++
	}
	return string(h.rec.inlineData[:n])
}

// SetLinkTarget stores a symlink target inline. No data blocks are
// allocated for symlinks, per spec.md §4.3.
func (h *InodeHandle) SetLinkTarget(target string) error {
	if len(target) > len(h.rec.inlineData) {
		return fmt.Errorf("%w: symlink target %d bytes exceeds %d byte inline limit", ErrInval, len(target), len(h.rec.inlineData))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var buf [32]byte
	copy(buf[:], target)
	h.rec.inlineData = buf
	h.rec.size = uint64(len(target))
	return nil
}

// IncNlink and DecNlink adjust the link count kept by directory
// insert/unlink composition at the adapter layer; this store only
// enforces the nlink == 0 precondition on Free. Callers must still call
// Write to persist, per spec.md §4.3.
func (h *InodeHandle) IncNlink() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec.nlink++
	return h.rec.nlink
}

func (h *InodeHandle) DecNlink() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec.nlink > 0 {
		h.rec.nlink--
	}
	return h.rec.nlink
}

// SetTimes updates the mutable timestamps and marks the record dirty in
// memory. Callers must still call Write to persist.
func (h *InodeHandle) SetTimes(ctime, atime, mtime uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctime != 0 {
		h.rec.ctime = ctime
	}
	if atime != 0 {
		h.rec.atime = atime
	}
	if mtime != 0 {
		h.rec.mtime = mtime
	}
}

// InodeStore maps inode numbers to their on-disk location, caches decoded
// handles, and composes with the extent index for content access. See
// spec.md §4.3.
type InodeStore struct {
	sb *Superblock

	mu    sync.Mutex
	cache map[uint32]*InodeHandle
}

func newInodeStore(sb *Superblock) *InodeStore {
	return &InodeStore{sb: sb, cache: make(map[uint32]*InodeHandle)}
}

func inodeLocation(n uint32) (block uint64, slot int) {
	return firstIstoreBlock() + uint64(n)/InodesPerBlock, int(n) % InodesPerBlock
}

// Get reads inode n, decoding endian fields and attaching the extent
// index reference. It is idempotent and reentrant: a second Get for the
// same n returns the cached handle.
func (s *InodeStore) Get(n uint32) (*InodeHandle, error) {
	s.mu.Lock()
	if h, ok := s.cache[n]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	if n == 0 || n >= s.sb.sb.nrInodes {
		return nil, fmt.Errorf("%w: inode %d out of range", ErrNotFound, n)
	}
	block, slot := inodeLocation(n)
	blk, err := s.sb.device().ReadBlock(block)
	if err != nil {
		return nil, fmt.Errorf("%w: reading inode %d: %v", ErrIO, n, err)
	}
	rec, err := inodeFromBytes(blk[slot*inodeOnDiskSize : (slot+1)*inodeOnDiskSize])
	if err != nil {
		return nil, err
	}

	h := &InodeHandle{Number: n, rec: *rec, sb: s.sb}

	s.mu.Lock()
	// Another goroutine may have raced us to load the same inode; keep
	// whichever was inserted first so handles stay identity-stable.
	if existing, ok := s.cache[n]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.cache[n] = h
	s.mu.Unlock()
	return h, nil
}

// Write encodes and writes back the single inode slot. Writes are
// buffered through the block device; callers must call SyncFS to persist
// durably, per spec.md §4.3.
func (s *InodeStore) Write(h *InodeHandle) error {
	return s.sb.withMetadataTxn(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		return s.persistRecordLocked(h)
	})
}

// persistRecordLocked writes back h's single inode slot. Callers must
// already hold h.mu and, if they want the write journaled atomically
// alongside other block writes, must already be inside a
// withMetadataTxn closure.
func (s *InodeStore) persistRecordLocked(h *InodeHandle) error {
	block, slot := inodeLocation(h.Number)
	blk, err := s.sb.device().ReadBlock(block)
	if err != nil {
		return fmt.Errorf("%w: reading inode block for write-back of %d: %v", ErrIO, h.Number, err)
	}
	copy(blk[slot*inodeOnDiskSize:(slot+1)*inodeOnDiskSize], h.rec.toBytes())
	if err := s.sb.device().WriteBlock(block, blk); err != nil {
		return fmt.Errorf("%w: writing inode %d: %v", ErrIO, h.Number, err)
	}
	return nil
}

// Alloc obtains a free inode id from the bitmap and initializes the
// record: mode, uid/gid/times zero, nlink 1 for files / 2 for
// directories, size 0, blocks 0, ei_block 0.
func (s *InodeStore) Alloc(mode uint16) (*InodeHandle, error) {
	n, err := s.sb.inodes.Alloc()
	if err != nil {
		return nil, err
	}
	nlink := uint32(1)
	if fileType(mode&fileTypeMask) == fileTypeDirectory {
		nlink = 2
	}
	rec := onDiskInode{mode: mode, nlink: nlink}
	h := &InodeHandle{Number: n, rec: rec, sb: s.sb}

	s.mu.Lock()
	s.cache[n] = h
	s.mu.Unlock()

	if err := s.Write(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Free releases inode n: frees the extent-index block and all data
// blocks transitively, then clears the bitmap bit. Precondition: nlink
// == 0.
func (s *InodeStore) Free(h *InodeHandle) error {
	h.mu.Lock()
	if h.rec.nlink != 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: freeing inode %d with nlink %d", ErrInval, h.Number, h.rec.nlink)
	}
	eiBlock := h.rec.eiBlock
	h.mu.Unlock()

	if eiBlock != 0 {
		ext, err := loadExtentIndex(s.sb, eiBlock)
		if err != nil {
			return err
		}
		if err := ext.freeAll(s.sb); err != nil {
			return err
		}
		if err := s.sb.blocks.Free(uint64(eiBlock)); err != nil {
			return err
		}
	}

	if err := s.sb.inodes.Free(h.Number); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, h.Number)
	s.mu.Unlock()
	return nil
}
