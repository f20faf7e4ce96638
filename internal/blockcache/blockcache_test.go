package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertThenLookupHitsL1(t *testing.T) {
	c := New(nil)
	e := &Entry{GuestStart: 0x1000, GuestEnd: 0x1010, HostCode: 0xdead, CodeHash: 42}
	c.Insert(e)

	got, err := c.Lookup(0x1000)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestLookupMissReturnsErrNoEntry(t *testing.T) {
	c := New(nil)
	_, err := c.Lookup(0x9999)
	require.ErrorIs(t, err, ErrNoEntry)
}

func TestL1MissFallsBackToL2(t *testing.T) {
	c := New(nil)
	e := &Entry{GuestStart: 0x2000, GuestEnd: 0x2010}
	// Insert directly into L2 only, bypassing Insert's L1 population, to
	// exercise the fallback path.
	c.mu.Lock()
	c.l2[e.GuestStart] = e
	c.page.add(e)
	c.mu.Unlock()

	got, err := c.Lookup(0x2000)
	require.NoError(t, err)
	require.Equal(t, e, got)
	require.Equal(t, e, c.l1[l1Index(0x2000)], "lookup should repopulate L1")
}

func TestValidateCodeDetectsHashMismatch(t *testing.T) {
	c := New(nil)
	e := &Entry{GuestStart: 0x1000, GuestEnd: 0x1010, CodeHash: 7}
	require.True(t, c.ValidateCode(e, 7))
	require.False(t, c.ValidateCode(e, 8))
}

func TestInvalidateRangeDropsOverlappingEntries(t *testing.T) {
	c := New(nil)
	inside := &Entry{GuestStart: 0x1004, GuestEnd: 0x1008}
	outside := &Entry{GuestStart: 0x5000, GuestEnd: 0x5010}
	c.Insert(inside)
	c.Insert(outside)

	invalidated := c.InvalidateRange(0x1000, 0x1010)
	require.Len(t, invalidated, 1)
	require.Equal(t, inside, invalidated[0])

	_, err := c.Lookup(0x1004)
	require.ErrorIs(t, err, ErrNoEntry)

	got, err := c.Lookup(0x5000)
	require.NoError(t, err)
	require.Equal(t, outside, got)
}
