package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClaimUnclaimRoundTrip(t *testing.T) {
	p := New()

	buf, err := p.ClaimBuffer(64, Owned)
	require.NoError(t, err)
	require.Equal(t, Owned, buf.Flag())
	require.GreaterOrEqual(t, len(buf.Bytes()), 64)

	p.UnclaimBuffer(buf)
	require.Equal(t, Free, buf.Flag())

	buf2, err := p.ClaimBuffer(32, Owned)
	require.NoError(t, err)
	require.Same(t, buf, buf2, "a smaller claim should reuse the unclaimed buffer")
}

func TestDisownAndReown(t *testing.T) {
	p := New()
	buf, err := p.ClaimBuffer(16, Owned)
	require.NoError(t, err)

	buf.DisownBuffer()
	require.Equal(t, Disowned, buf.Flag())

	reowned, err := p.ReownOrClaimBuffer(buf, 16, Owned)
	require.NoError(t, err)
	require.Same(t, buf, reowned)
	require.Equal(t, Owned, reowned.Flag())
}

func TestReownFailsFallsBackToClaim(t *testing.T) {
	p := New()
	buf, err := p.ClaimBuffer(16, Owned)
	require.NoError(t, err)
	// Not disowned: CAS Disowned->Owned must fail and fall back to ClaimBuffer.
	other, err := p.ReownOrClaimBuffer(buf, 16, Owned)
	require.NoError(t, err)
	require.NotSame(t, buf, other)
}

func TestReclaimNeverTouchesOwnedBuffers(t *testing.T) {
	p := New(WithReclaimWindow(time.Millisecond))
	buf, err := p.ClaimBuffer(16, Owned)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p.Reclaim()
	require.Equal(t, Owned, buf.Flag(), "Owned buffers must never be reclaimed")
}

func TestReclaimMovesExpiredDisowned(t *testing.T) {
	p := New(WithReclaimWindow(time.Millisecond))
	buf, err := p.ClaimBuffer(16, Owned)
	require.NoError(t, err)
	buf.DisownBuffer()

	time.Sleep(5 * time.Millisecond)
	p.Reclaim()
	require.Equal(t, Free, buf.Flag())
}

func TestFixedSizePooledAllocationHysteresis(t *testing.T) {
	p := New()
	fa, err := NewFixedSizePooledAllocation(p, 16, Owned, 100, 3)
	require.NoError(t, err)

	buf, err := fa.Buffer()
	require.NoError(t, err)

	// A single call in a fresh window is below the frequency threshold:
	// treated as idle, so the buffer is released outright.
	fa.DelayedDisownBuffer(1000)
	require.Equal(t, Free, buf.Flag())

	// Three calls within the same 100ms window reach the frequency
	// threshold: treated as busy, so the buffer is merely disowned.
	_, err = fa.Buffer()
	require.NoError(t, err)
	fa.DelayedDisownBuffer(2000)
	_, err = fa.Buffer()
	require.NoError(t, err)
	fa.DelayedDisownBuffer(2010)
	buf3, err := fa.Buffer()
	require.NoError(t, err)
	fa.DelayedDisownBuffer(2020)
	require.Equal(t, Disowned, buf3.Flag())
}
