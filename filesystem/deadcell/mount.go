package deadcell

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMountOptions parses the comma-separated mount option string of
// spec.md §4.7: journal_dev=<u32>, journal_path=<path>. Unknown tokens
// are ignored; a recognized key with a malformed value is ErrInval.
// Resolvers are left for the caller to attach afterward, since turning
// a device id or path into an opened blockdevice.Device is host glue
// this package does not own.
func ParseMountOptions(s string) (MountOptions, error) {
	var opts MountOptions
	if s == "" {
		return opts, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		switch key {
		case "journal_dev":
			if !hasValue || value == "" {
				return MountOptions{}, fmt.Errorf("%w: journal_dev requires a value", ErrInval)
			}
			id, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return MountOptions{}, fmt.Errorf("%w: journal_dev=%q: %v", ErrInval, value, err)
			}
			id32 := uint32(id)
			opts.JournalDeviceID = &id32
		case "journal_path":
			if !hasValue || value == "" {
				return MountOptions{}, fmt.Errorf("%w: journal_path requires a value", ErrInval)
			}
			opts.JournalPath = value
		default:
			// Unknown tokens are ignored, per spec.md §4.7.
		}
	}
	return opts, nil
}
