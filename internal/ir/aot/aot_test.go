package aot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenLoadRoundTripsBlockRecords(t *testing.T) {
	hash := ContentHash([]byte("guest binary contents"))

	var buf bytes.Buffer
	w := NewWriter(&buf, hash)
	require.NoError(t, w.WriteBlock(BlockRecord{
		GuestStart: 0x1000, GuestEnd: 0x1010, CodeHash: 7, Code: []byte{0x90, 0xc3},
	}))
	require.NoError(t, w.WriteBlock(BlockRecord{
		GuestStart: 0x2000, GuestEnd: 0x2020, CodeHash: 8, Code: []byte{0x48, 0x89, 0xc3},
	}))

	records, err := Load(&buf, hash)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(0x1000), records[0].GuestStart)
	require.Equal(t, []byte{0x90, 0xc3}, records[0].Code)
	require.Equal(t, uint64(0x2020), records[1].GuestEnd)
}

func TestLoadRejectsMismatchedContentHash(t *testing.T) {
	hash := ContentHash([]byte("v1"))
	var buf bytes.Buffer
	w := NewWriter(&buf, hash)
	require.NoError(t, w.WriteBlock(BlockRecord{GuestStart: 1, GuestEnd: 2}))

	_, err := Load(&buf, ContentHash([]byte("v2")))
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestLoadRejectsNonAOTStream(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("not an aot stream at all, long enough to read a header")), [32]byte{})
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestWriterWithNoBlocksProducesEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, ContentHash(nil))
	_ = w
	require.Zero(t, buf.Len(), "no WriteBlock call means no header is ever written")
}

func TestContentHashIsDeterministic(t *testing.T) {
	a := ContentHash([]byte("same bytes"))
	b := ContentHash([]byte("same bytes"))
	require.Equal(t, a, b)
}
