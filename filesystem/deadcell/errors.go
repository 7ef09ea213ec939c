package deadcell

import "errors"

// Sentinel errors returned by the core. Callers should use errors.Is to
// classify a failure; the core never retries internally.
var (
	// ErrIO is returned when the underlying block device failed a read,
	// write, or sync.
	ErrIO = errors.New("deadcell: I/O error")
	// ErrBadFS is returned when block 0's magic does not match, or other
	// structural corruption is discovered while loading the volume.
	ErrBadFS = errors.New("deadcell: not a deadcell filesystem, or corrupt")
	// ErrNoSpace is returned when a bitmap allocator has no free bit left.
	ErrNoSpace = errors.New("deadcell: no space left on device")
	// ErrFileFull is returned when an extent-index block's extent array
	// is exhausted.
	ErrFileFull = errors.New("deadcell: file has reached maximum extent count")
	// ErrExists is returned by Insert when the name is already present.
	ErrExists = errors.New("deadcell: name already exists")
	// ErrNotFound is returned when an inode id is out of range, or a
	// directory lookup does not find the requested name.
	ErrNotFound = errors.New("deadcell: not found")
	// ErrInval is returned for bad arguments, including malformed mount
	// options.
	ErrInval = errors.New("deadcell: invalid argument")
	// ErrNameTooLong is returned when a filename exceeds MaxNameLen bytes.
	ErrNameTooLong = errors.New("deadcell: name too long")
	// ErrNoMem is returned when the host allocator cannot satisfy an
	// in-memory allocation (surfaced for API symmetry with the source
	// design; Go's allocator panics rather than returning this in
	// practice, but the sentinel exists for callers that want to treat
	// it uniformly with the other error kinds).
	ErrNoMem = errors.New("deadcell: out of memory")
)
