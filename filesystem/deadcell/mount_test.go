package deadcell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMountOptionsEmpty(t *testing.T) {
	opts, err := ParseMountOptions("")
	require.NoError(t, err)
	assert.Nil(t, opts.JournalDeviceID)
	assert.Empty(t, opts.JournalPath)
}

func TestParseMountOptionsJournalDev(t *testing.T) {
	opts, err := ParseMountOptions("journal_dev=7")
	require.NoError(t, err)
	require.NotNil(t, opts.JournalDeviceID)
	assert.Equal(t, uint32(7), *opts.JournalDeviceID)
}

func TestParseMountOptionsJournalPath(t *testing.T) {
	opts, err := ParseMountOptions("journal_path=/dev/loop1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop1", opts.JournalPath)
}

func TestParseMountOptionsMultipleCommaSeparated(t *testing.T) {
	opts, err := ParseMountOptions("journal_dev=3,unrelated=1,other")
	require.NoError(t, err)
	require.NotNil(t, opts.JournalDeviceID)
	assert.Equal(t, uint32(3), *opts.JournalDeviceID)
}

func TestParseMountOptionsUnknownTokensIgnored(t *testing.T) {
	opts, err := ParseMountOptions("noatime,rw,compress=lz4")
	require.NoError(t, err)
	assert.Nil(t, opts.JournalDeviceID)
	assert.Empty(t, opts.JournalPath)
}

func TestParseMountOptionsMalformedJournalDev(t *testing.T) {
	_, err := ParseMountOptions("journal_dev=notanumber")
	assert.ErrorIs(t, err, ErrInval)
}

func TestParseMountOptionsMissingValue(t *testing.T) {
	_, err := ParseMountOptions("journal_dev=")
	assert.ErrorIs(t, err, ErrInval)

	_, err = ParseMountOptions("journal_path=")
	assert.ErrorIs(t, err, ErrInval)
}

func TestParseMountOptionsKeyWithoutEquals(t *testing.T) {
	_, err := ParseMountOptions("journal_dev")
	assert.ErrorIs(t, err, ErrInval)
}
