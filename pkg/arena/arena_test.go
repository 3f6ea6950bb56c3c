package arena

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestArena(t *testing.T, opts Options) *Arena {
	t.Helper()
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("test_%s", t.Name())
	}
	opts.Create = true
	a, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(true) })
	return a
}

func TestOpenRejectsUndersizedDefault(t *testing.T) {
	_, err := Open(Options{Name: "toosmall", DefaultSize: 1024, Create: true})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, KindMapFailure, aerr.Kind)
}

func TestMapBumpAllocates(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: MinSize})
	off1, err := a.Map(128)
	require.NoError(t, err)
	require.Equal(t, uint64(HeaderSize), off1)

	off2, err := a.Map(256)
	require.NoError(t, err)
	require.Equal(t, off1+128, off2)
	require.Equal(t, off2+256, a.Watermark())
}

func TestMapGrowsCapacityOnDemand(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: MinSize})
	before := a.Capacity()
	_, err := a.Map(uint64(MinSize)) // exceeds remaining headroom after header
	require.NoError(t, err)
	require.Greater(t, a.Capacity(), before)
	require.Equal(t, uint32(1), a.Generation())
}

func TestGrowthNeverLessThanRequestedSize(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: 4096})
	// Request far larger than one growth step; capacity must grow enough
	// in one shot to satisfy it, per the "never less than size" policy.
	big := uint64(3 * MinSize)
	off, err := a.Map(big)
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.Capacity(), off+big)
}

func TestSetWatermarkRefusesBelowFloor(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: MinSize})
	_, err := a.Map(64) // simulate reserving the rendezvous block
	require.NoError(t, err)
	a.MarkFloor()

	err = a.SetWatermark(HeaderSize)
	require.Error(t, err)

	err = a.SetWatermark(a.Watermark())
	require.NoError(t, err)
}

// TestWatermarkResetReclaimsWithoutOverlap is the arena-integrity
// property: for any sequence of Map calls punctuated by
// SetWatermark(W), offsets allocated after a reset never overlap
// offsets still live before the reset.
func TestWatermarkResetReclaimsWithoutOverlap(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: MinSize})
	_, err := a.Map(64) // rendezvous block stand-in
	require.NoError(t, err)
	a.MarkFloor()

	type span struct{ start, end uint64 }
	var liveBeforeReset []span

	for i := 0; i < 5; i++ {
		off, err := a.Map(uint64(100 + i*7))
		require.NoError(t, err)
		liveBeforeReset = append(liveBeforeReset, span{off, off + uint64(100+i*7)})
	}
	batchStart := a.Watermark()
	_, err = a.Map(4096) // per-batch scratch, reclaimed by the reset below
	require.NoError(t, err)

	require.NoError(t, a.SetWatermark(batchStart))

	for i := 0; i < 5; i++ {
		off, err := a.Map(uint64(50 + i*3))
		require.NoError(t, err)
		newSpan := span{off, off + uint64(50+i*3)}
		for _, old := range liveBeforeReset {
			overlaps := newSpan.start < old.end && old.start < newSpan.end
			require.Falsef(t, overlaps, "post-reset allocation %v overlaps stale allocation %v", newSpan, old)
		}
	}
}

func TestMapOffsetResolvesLiveData(t *testing.T) {
	a := openTestArena(t, Options{DefaultSize: MinSize, GrowthSize: MinSize})
	off, err := a.Map(16)
	require.NoError(t, err)

	buf, err := a.MapOffset(off, 16)
	require.NoError(t, err)
	copy(buf, []byte("0123456789abcdef"))

	buf2, err := a.MapOffset(off, 16)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(buf2))
}

func TestOpenExistingRegionAttaches(t *testing.T) {
	name := fmt.Sprintf("test_attach_%s", t.Name())
	a, err := Open(Options{Name: name, DefaultSize: MinSize, GrowthSize: MinSize, Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(true) })

	off, err := a.Map(32)
	require.NoError(t, err)
	buf, err := a.MapOffset(off, 32)
	require.NoError(t, err)
	copy(buf, []byte("attach-me-please-attach-me-plea"))

	b, err := Open(Options{Name: name})
	require.NoError(t, err)
	defer func() { _ = b.Close(false) }()

	buf2, err := b.MapOffset(off, 32)
	require.NoError(t, err)
	require.Equal(t, "attach-me-please-attach-me-pleas", string(buf2))
}
