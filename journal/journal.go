// Package journal implements a small write-ahead log over a block
// device: descriptor block, staged data blocks, commit block. It is the
// reference implementation of the journal a deadcell volume may attach
// via journal_dev= or journal_path=; the filesystem core only ever
// depends on the narrower JournalDevice port in the deadcell package.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/deadcellfs/deadcell/blockdevice"
)

const (
	headerBlock     = 0
	slotBase        = 1
	journalMagic    uint32 = 0x4a524e4c // "JRNL"
	descriptorMagic uint32 = 0x44455343 // "DESC"
	commitMagic     uint32 = 0x434d4d54 // "CMMT"

	descHeaderSize   = 16 // magic, seq, count
	commitFrameSize  = 16 // magic, seq, checksum
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Journal owns a dedicated block device used only for write-ahead
// logging: block 0 is a header, the remainder is a single transaction
// slot (descriptor, data blocks, commit block). Only one transaction is
// ever in flight, matching the short, synchronous metadata-mutation
// sequences the filesystem core brackets.
type Journal struct {
	mu             sync.Mutex
	dev            blockdevice.Device
	nextSeq        uint64
	capacityBlocks uint64
}

// ReplayedBlock is one metadata block recovered from a committed
// transaction. The journal does not know the home device's address
// space; callers apply these themselves, then Checkpoint.
type ReplayedBlock struct {
	Block uint64
	Data  []byte
}

// InitDev formats dev as an empty journal: write the header block and
// zero the slot's descriptor block, so no transaction left in the slot
// from a previous format is found by Load. The slot's data and commit
// blocks are left as they are.
func InitDev(dev blockdevice.Device) (*Journal, error) {
	if dev.NumBlocks() < 3 {
		return nil, fmt.Errorf("journal: device has %d blocks, need at least 3", dev.NumBlocks())
	}
	j := &Journal{dev: dev, nextSeq: 1, capacityBlocks: dev.NumBlocks() - 1}
	if err := j.writeHeader(); err != nil {
		return nil, err
	}
	if err := j.clearSlot(); err != nil {
		return nil, err
	}
	return j, nil
}

// Wipe re-initializes an already-formatted journal in place, discarding
// any in-progress transaction.
func Wipe(dev blockdevice.Device) (*Journal, error) {
	return InitDev(dev)
}

// Load reads the header and scans the slot for a committed transaction
// left behind by a crash between Commit and Checkpoint. A transaction
// found with a valid commit block is returned for replay; one with a
// descriptor but no valid commit block (the crash window between
// writing data and writing the commit block) is silently discarded.
func Load(dev blockdevice.Device) (*Journal, []ReplayedBlock, error) {
	if dev.NumBlocks() < 3 {
		return nil, nil, fmt.Errorf("journal: device has %d blocks, need at least 3", dev.NumBlocks())
	}
	hb, err := dev.ReadBlock(headerBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: reading header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hb[0:4])
	if magic != journalMagic {
		return nil, nil, fmt.Errorf("journal: bad magic %#x, want %#x", magic, journalMagic)
	}
	j := &Journal{
		dev:            dev,
		nextSeq:        binary.LittleEndian.Uint64(hb[4:12]),
		capacityBlocks: dev.NumBlocks() - 1,
	}

	replayed, err := j.scanSlot()
	if err != nil {
		return nil, nil, err
	}
	if len(replayed) > 0 {
		j.nextSeq++
		if err := j.writeHeader(); err != nil {
			return nil, nil, err
		}
		if err := j.clearSlot(); err != nil {
			return nil, nil, err
		}
	}
	return j, replayed, nil
}

func (j *Journal) writeHeader() error {
	b := make([]byte, blockdevice.BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], journalMagic)
	binary.LittleEndian.PutUint64(b[4:12], j.nextSeq)
	return j.dev.WriteBlock(headerBlock, b)
}

func (j *Journal) clearSlot() error {
	zero := make([]byte, blockdevice.BlockSize)
	return j.dev.WriteBlock(slotBase, zero)
}

func (j *Journal) scanSlot() ([]ReplayedBlock, error) {
	db, err := j.dev.ReadBlock(slotBase)
	if err != nil {
		return nil, fmt.Errorf("journal: reading descriptor: %w", err)
	}
	if binary.LittleEndian.Uint32(db[0:4]) != descriptorMagic {
		return nil, nil
	}
	dseq := binary.LittleEndian.Uint64(db[4:12])
	count := binary.LittleEndian.Uint32(db[12:16])
	if uint64(count) > j.capacityBlocks {
		return nil, nil
	}
	targets := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		off := descHeaderSize + i*8
		targets[i] = binary.LittleEndian.Uint64(db[off : off+8])
	}

	h := crc32.New(castagnoliTable)
	h.Write(db)

	data := make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		blk, err := j.dev.ReadBlock(uint64(slotBase + 1 + i))
		if err != nil {
			return nil, fmt.Errorf("journal: reading data block %d: %w", i, err)
		}
		data[i] = blk
		h.Write(blk)
	}

	cb, err := j.dev.ReadBlock(uint64(slotBase + 1 + count))
	if err != nil {
		return nil, fmt.Errorf("journal: reading commit block: %w", err)
	}
	if binary.LittleEndian.Uint32(cb[0:4]) != commitMagic ||
		binary.LittleEndian.Uint64(cb[4:12]) != dseq ||
		binary.LittleEndian.Uint32(cb[12:16]) != h.Sum32() {
		return nil, nil
	}

	out := make([]ReplayedBlock, count)
	for i := uint32(0); i < count; i++ {
		out[i] = ReplayedBlock{Block: targets[i], Data: data[i]}
	}
	return out, nil
}

// Txn is one bracketed metadata-mutation sequence. Writes staged with
// Write are invisible to Load until Commit durably records the whole
// batch; Abort discards them without touching the journal device.
type Txn struct {
	j      *Journal
	seq    uint64
	order  []uint64
	staged map[uint64][]byte
	done   bool
}

// Begin starts a transaction. Only one may be outstanding at a time;
// callers serialize through the filesystem core's own mutation locks.
func (j *Journal) Begin() (*Txn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &Txn{j: j, seq: j.nextSeq, staged: make(map[uint64][]byte)}, nil
}

// Write stages a block. A repeated write to the same block number
// replaces the earlier staged content rather than recording both.
func (t *Txn) Write(block uint64, data []byte) error {
	if t.done {
		return fmt.Errorf("journal: write on finished transaction")
	}
	if len(data) != blockdevice.BlockSize {
		return fmt.Errorf("journal: staged block must be %d bytes, got %d", blockdevice.BlockSize, len(data))
	}
	if _, ok := t.staged[block]; !ok {
		t.order = append(t.order, block)
	}
	buf := make([]byte, blockdevice.BlockSize)
	copy(buf, data)
	t.staged[block] = buf
	return nil
}

// Commit durably writes the descriptor, data, and commit blocks to the
// journal device and fsyncs it, then returns the staged blocks in
// target order so the caller can apply them to the home device.
// Applying is not this package's concern: until Checkpoint is called,
// Load will replay the same transaction again, which is safe because
// applying a block write twice is idempotent.
func (t *Txn) Commit() ([]ReplayedBlock, error) {
	if t.done {
		return nil, fmt.Errorf("journal: commit on finished transaction")
	}
	t.done = true
	j := t.j
	j.mu.Lock()
	defer j.mu.Unlock()

	count := uint32(len(t.order))
	if uint64(count)+2 > j.capacityBlocks {
		return nil, fmt.Errorf("journal: transaction of %d blocks exceeds capacity", count)
	}

	desc := make([]byte, blockdevice.BlockSize)
	binary.LittleEndian.PutUint32(desc[0:4], descriptorMagic)
	binary.LittleEndian.PutUint64(desc[4:12], t.seq)
	binary.LittleEndian.PutUint32(desc[12:16], count)
	for i, block := range t.order {
		off := descHeaderSize + i*8
		binary.LittleEndian.PutUint64(desc[off:off+8], block)
	}
	if err := j.dev.WriteBlock(slotBase, desc); err != nil {
		return nil, fmt.Errorf("journal: writing descriptor: %w", err)
	}

	h := crc32.New(castagnoliTable)
	h.Write(desc)

	out := make([]ReplayedBlock, count)
	for i, block := range t.order {
		data := t.staged[block]
		if err := j.dev.WriteBlock(uint64(slotBase+1+i), data); err != nil {
			return nil, fmt.Errorf("journal: writing data block %d: %w", i, err)
		}
		h.Write(data)
		out[i] = ReplayedBlock{Block: block, Data: data}
	}

	commit := make([]byte, blockdevice.BlockSize)
	binary.LittleEndian.PutUint32(commit[0:4], commitMagic)
	binary.LittleEndian.PutUint64(commit[4:12], t.seq)
	binary.LittleEndian.PutUint32(commit[12:16], h.Sum32())
	if err := j.dev.WriteBlock(uint64(slotBase+1+int(count)), commit); err != nil {
		return nil, fmt.Errorf("journal: writing commit block: %w", err)
	}
	if err := j.dev.Sync(); err != nil {
		return nil, fmt.Errorf("journal: syncing device: %w", err)
	}

	j.nextSeq++
	return out, nil
}

// Checkpoint clears the slot once every block from a committed
// transaction has landed at its home location.
func (t *Txn) Checkpoint() error {
	j := t.j
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writeHeader(); err != nil {
		return err
	}
	return j.clearSlot()
}

// Abort discards staged writes. Nothing was ever written to the
// journal device, so there is nothing to undo there.
func (t *Txn) Abort() error {
	t.done = true
	t.staged = nil
	t.order = nil
	return nil
}
