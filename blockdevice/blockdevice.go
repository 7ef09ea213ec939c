// Package blockdevice adapts a backend.Storage into the fixed-size block
// read/write/sync port the deadcell filesystem core consumes. It is the
// concrete "BlockDevice abstraction" the core never implements itself.
package blockdevice

import (
	"errors"
	"fmt"

	"github.com/deadcellfs/deadcell/backend"
)

// BlockSize is fixed by the on-disk format: every block, superblock,
// bitmap block, inode-store block, extent-index block, and directory
// block is exactly this many bytes.
const BlockSize = 4096

var (
	// ErrShortIO is returned when the backing storage could not satisfy
	// a full-block read or write.
	ErrShortIO = errors.New("blockdevice: short read or write")
)

// Device is the BlockDevice port: opaque 4 KiB block read/write/sync.
// Nothing above this layer knows how blocks map to bytes on the host.
type Device interface {
	ReadBlock(n uint64) ([]byte, error)
	WriteBlock(n uint64, data []byte) error
	Sync() error
	NumBlocks() uint64
}

// storageDevice implements Device over a backend.Storage, treating the
// storage as starting at block 0. Use Sub to address a region that starts
// partway into a larger backend (e.g. a volume living inside a disk image,
// or an external journal device sharing a backend with its host volume).
type storageDevice struct {
	backend   backend.Storage
	numBlocks uint64
}

// New wraps a backend.Storage as a block device of the given block count.
// The storage must be at least numBlocks*BlockSize bytes long.
func New(b backend.Storage, numBlocks uint64) Device {
	return &storageDevice{backend: b, numBlocks: numBlocks}
}

// Sub carves out a block-addressed sub-range of an existing block device,
// starting at block startBlock and extending for numBlocks blocks. This is
// how an external journal device is addressed within a shared backend.
func Sub(d Device, startBlock, numBlocks uint64) (Device, error) {
	sd, ok := d.(*storageDevice)
	if !ok {
		return nil, fmt.Errorf("blockdevice: Sub requires a storage-backed device")
	}
	sub := backend.Sub(sd.backend, int64(startBlock)*BlockSize, int64(numBlocks)*BlockSize)
	return &storageDevice{backend: sub, numBlocks: numBlocks}, nil
}

func (d *storageDevice) NumBlocks() uint64 {
	return d.numBlocks
}

func (d *storageDevice) ReadBlock(n uint64) ([]byte, error) {
	if n >= d.numBlocks {
		return nil, fmt.Errorf("blockdevice: block %d out of range (%d blocks)", n, d.numBlocks)
	}
	buf := make([]byte, BlockSize)
	read, err := d.backend.ReadAt(buf, int64(n)*BlockSize)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: read block %d: %w", n, err)
	}
	if read != BlockSize {
		return nil, fmt.Errorf("%w: block %d, read %d of %d bytes", ErrShortIO, n, read, BlockSize)
	}
	return buf, nil
}

func (d *storageDevice) WriteBlock(n uint64, data []byte) error {
	if n >= d.numBlocks {
		return fmt.Errorf("blockdevice: block %d out of range (%d blocks)", n, d.numBlocks)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("blockdevice: write block %d: payload is %d bytes, want %d", n, len(data), BlockSize)
	}
	w, err := d.backend.Writable()
	if err != nil {
		return fmt.Errorf("blockdevice: write block %d: %w", n, err)
	}
	written, err := w.WriteAt(data, int64(n)*BlockSize)
	if err != nil {
		return fmt.Errorf("blockdevice: write block %d: %w", n, err)
	}
	if written != BlockSize {
		return fmt.Errorf("%w: block %d, wrote %d of %d bytes", ErrShortIO, n, written, BlockSize)
	}
	return nil
}

func (d *storageDevice) Sync() error {
	w, err := d.backend.Writable()
	if err != nil {
		return fmt.Errorf("blockdevice: sync: %w", err)
	}
	if f, ok := w.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}
