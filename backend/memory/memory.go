// Package memory provides an in-memory backend.Storage, used by tests and
// by anything that wants a disposable volume without touching the host
// filesystem.
package memory

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/deadcellfs/deadcell/backend"
)

// Storage is a backend.Storage backed by a plain byte slice.
type Storage struct {
	data   []byte
	offset int64
}

// New creates an in-memory backend.Storage of the given size, zero-filled.
func New(size int64) *Storage {
	return &Storage{data: make([]byte, size)}
}

var _ backend.Storage = (*Storage)(nil)

func (s *Storage) Stat() (fs.FileInfo, error) {
	return memInfo{size: int64(len(s.data))}, nil
}

func (s *Storage) Read(b []byte) (int, error) {
	n, err := s.ReadAt(b, s.offset)
	s.offset += int64(n)
	return n, err
}

func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Storage) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		return 0, io.ErrShortBuffer
	}
	return copy(s.data[off:end], p), nil
}

func (s *Storage) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.offset = offset
	case io.SeekCurrent:
		s.offset += offset
	case io.SeekEnd:
		s.offset = int64(len(s.data)) + offset
	}
	return s.offset, nil
}

func (s *Storage) Close() error { return nil }

func (s *Storage) Sys() (*os.File, error) { return nil, backend.ErrNotSuitable }

func (s *Storage) Writable() (backend.WritableFile, error) { return s, nil }

// Bytes exposes the raw backing slice, for tests that want to inspect or
// corrupt on-disk bytes directly (e.g. zeroing the magic number).
func (s *Storage) Bytes() []byte { return s.data }

type memInfo struct {
	size int64
}

func (m memInfo) Name() string       { return "memory" }
func (m memInfo) Size() int64        { return m.size }
func (m memInfo) Mode() fs.FileMode  { return 0o600 }
func (m memInfo) ModTime() time.Time { return time.Time{} }
func (m memInfo) IsDir() bool        { return false }
func (m memInfo) Sys() any           { return nil }
