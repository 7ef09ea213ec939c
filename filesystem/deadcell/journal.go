package deadcell

import (
	"fmt"

	"github.com/deadcellfs/deadcell/blockdevice"
	"github.com/deadcellfs/deadcell/journal"
)

// JournalDevice is the external collaborator contract of spec.md §4.6:
// an attached journal brackets metadata-mutation sequences in a
// transaction. The filesystem core never journals data blocks.
type JournalDevice interface {
	// Transact runs fn with a Transaction that stages every write fn
	// makes; on fn's success the batch is committed durably to the
	// journal, applied to the home device, and checkpointed. On fn's
	// error the batch is aborted and nothing is written anywhere.
	Transact(fn func(Transaction) error) error
	// Destroy releases the journal at unmount. It does not format or
	// wipe the journal device; ownership of that device is the caller's.
	Destroy() error
}

// Transaction is the narrow interface metadata-mutation code stages
// writes through while a journal is attached.
type Transaction interface {
	Write(block uint64, data []byte) error
}

// fsJournal adapts the journal package's WAL onto JournalDevice,
// applying committed transactions to home by writing them straight
// back to the mounted volume's own block device.
type fsJournal struct {
	home blockdevice.Device
	log  *journal.Journal
}

// attachJournal formats or recovers the journal on jdev and returns a
// JournalDevice that applies replayed writes (if any, from a prior
// crash between Commit and Checkpoint) directly to home before
// returning, so Mount never hands back a handle with pending recovery
// work outstanding.
func attachJournal(home blockdevice.Device, jdev blockdevice.Device) (JournalDevice, error) {
	log, replayed, err := journal.Load(jdev)
	if err != nil {
		log, err = journal.InitDev(jdev)
		if err != nil {
			return nil, fmt.Errorf("%w: initializing journal device: %v", ErrIO, err)
		}
	}
	for _, rb := range replayed {
		if err := home.WriteBlock(rb.Block, rb.Data); err != nil {
			return nil, fmt.Errorf("%w: replaying journal block %d: %v", ErrIO, rb.Block, err)
		}
	}
	return &fsJournal{home: home, log: log}, nil
}

func (j *fsJournal) Transact(fn func(Transaction) error) error {
	tx, err := j.log.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning journal transaction: %v", ErrIO, err)
	}
	if err := fn(&txnWriter{tx: tx}); err != nil {
		_ = tx.Abort()
		return err
	}
	replayed, err := tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: committing journal transaction: %v", ErrIO, err)
	}
	for _, rb := range replayed {
		if err := j.home.WriteBlock(rb.Block, rb.Data); err != nil {
			return fmt.Errorf("%w: applying journal block %d: %v", ErrIO, rb.Block, err)
		}
	}
	if err := tx.Checkpoint(); err != nil {
		return fmt.Errorf("%w: checkpointing journal transaction: %v", ErrIO, err)
	}
	return nil
}

func (j *fsJournal) Destroy() error { return nil }

type txnWriter struct{ tx *journal.Txn }

func (w *txnWriter) Write(block uint64, data []byte) error { return w.tx.Write(block, data) }

// txnBlockDevice intercepts writes into an active transaction while
// passing reads straight through to the real device, so code written
// against blockdevice.Device (inode, extent, directory layers) does
// not need to know whether a journal is attached.
type txnBlockDevice struct {
	real blockdevice.Device
	tx   Transaction
}

func (d *txnBlockDevice) ReadBlock(n uint64) ([]byte, error)  { return d.real.ReadBlock(n) }
func (d *txnBlockDevice) WriteBlock(n uint64, b []byte) error { return d.tx.Write(n, b) }
func (d *txnBlockDevice) Sync() error                         { return nil }
func (d *txnBlockDevice) NumBlocks() uint64                   { return d.real.NumBlocks() }
